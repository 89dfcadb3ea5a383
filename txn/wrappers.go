package txn

import (
	"fmt"
	"time"

	"golang.org/x/net/context"
)

// Message is an outbound message for a Sender or a Publisher.
type Message struct {
	Body       string
	Attributes map[string]string
	// GroupID and DeduplicationID apply to FIFO queues and topics.
	GroupID         string
	DeduplicationID string
}

// Sender sends messages to a queue.
type Sender interface {
	Send(ctx context.Context, m *Message) error
	SendDelayed(ctx context.Context, m *Message, delay time.Duration) error
}

// Publisher publishes messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
}

// Record is an item with an optimistic lock version.
type Record interface {
	Version() int64
	SetVersion(v int64)
}

// Store persists records. Update succeeds only when the stored version
// equals r.Version(); it then stores and sets the next version.
type Store interface {
	Create(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	Delete(ctx context.Context, r Record) error
}

// name describes a resource in action descriptions.
func name(v interface{}) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}

// TxSender queues sends on the transaction in the context.
type TxSender struct {
	s    Sender
	name string
}

// NewSender wraps s.
func NewSender(s Sender) *TxSender {
	return &TxSender{s: s, name: name(s)}
}

// Send queues m to be sent on commit.
func (t *TxSender) Send(ctx context.Context, m *Message, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindSend, t.name, func(ctx context.Context) error {
		return t.s.Send(ctx, m)
	}, handlers))
}

// SendDelayed queues m to be sent on commit, becoming visible delay later.
func (t *TxSender) SendDelayed(ctx context.Context, m *Message, delay time.Duration, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindSendDelayed, t.name, func(ctx context.Context) error {
		return t.s.SendDelayed(ctx, m, delay)
	}, handlers))
}

// TxPublisher queues publishes on the transaction in the context.
type TxPublisher struct {
	p    Publisher
	name string
}

// NewPublisher wraps p.
func NewPublisher(p Publisher) *TxPublisher {
	return &TxPublisher{p: p, name: name(p)}
}

// Publish queues m to be published on commit.
func (t *TxPublisher) Publish(ctx context.Context, m *Message, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindPublish, t.name, func(ctx context.Context) error {
		return t.p.Publish(ctx, m)
	}, handlers))
}

// TxStore queues writes on the transaction in the context.
type TxStore struct {
	s    Store
	name string
}

// NewStore wraps s.
func NewStore(s Store) *TxStore {
	return &TxStore{s: s, name: name(s)}
}

// Create queues the creation of r.
func (t *TxStore) Create(ctx context.Context, r Record, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindCreate, t.name, func(ctx context.Context) error {
		return t.s.Create(ctx, r)
	}, handlers))
}

// Update queues an update of r. The version check happens on commit.
func (t *TxStore) Update(ctx context.Context, r Record, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindUpdate, t.name, func(ctx context.Context) error {
		return t.s.Update(ctx, r)
	}, handlers))
}

// Delete queues the deletion of r.
func (t *TxStore) Delete(ctx context.Context, r Record, handlers ...Handler) error {
	return enqueue(ctx, newAction(KindDelete, t.name, func(ctx context.Context) error {
		return t.s.Delete(ctx, r)
	}, handlers))
}
