package sqpool

import "golang.org/x/net/context"

// Message is a single queue message as seen by handlers.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	// Attributes holds the string valued message attributes.
	Attributes map[string]string
	// Raw is the transport specific message the Source produced, if any.
	Raw interface{}
}

// Attribute returns the named attribute or "".
func (m *Message) Attribute(name string) string {
	if m == nil || m.Attributes == nil {
		return ""
	}
	return m.Attributes[name]
}

// Source is the queue a Listener consumes from.
//
// Receive may long poll for up to waitSeconds and must return at most
// maxMessages messages. Delete acknowledges a processed message.
type Source interface {
	Receive(ctx context.Context, waitSeconds int, maxMessages int) ([]*Message, error)
	Delete(ctx context.Context, m *Message) error
}

// Handler processes one message. A returned error is logged by the Listener
// and the message is still deleted.
type Handler interface {
	HandleMessage(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *Message) error

// HandleMessage calls f(ctx, m).
func (f HandlerFunc) HandleMessage(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// Resolver picks the handler for a message. A nil Handler means the message
// has no handler; it is deleted without processing.
type Resolver interface {
	Resolve(m *Message) Handler
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(m *Message) Handler

// Resolve calls f(m).
func (f ResolverFunc) Resolve(m *Message) Handler {
	return f(m)
}

// StartNotifier is implemented by resolvers that want to know when the
// Listener they are attached to has started.
type StartNotifier interface {
	ListenerStarted(l *Listener)
}

type fixed struct {
	h Handler
}

// Fixed returns a Resolver that sends every message to h.
func Fixed(h Handler) Resolver {
	return fixed{h: h}
}

func (f fixed) Resolve(*Message) Handler {
	return f.h
}

// Throttle limits the dispatch rate. Both *ratelimit.TokenBucket and
// *rate.Limiter from golang.org/x/time/rate satisfy it.
type Throttle interface {
	Wait(ctx context.Context) error
}
