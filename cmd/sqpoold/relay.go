package main

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
	"github.com/leelynne/sqpool/awsadapter"
	"github.com/leelynne/sqpool/txn"
)

// relay records, publishes and forwards each message it handles. The three
// writes are queued on one transaction and applied in that order.
type relay struct {
	store   *txn.TxStore
	topic   *txn.TxPublisher
	forward *txn.TxSender
	delay   time.Duration
	hashKey string
	log     logrus.FieldLogger
}

func (r *relay) HandleMessage(ctx context.Context, m *sqpool.Message) error {
	logger := r.log.WithField("message_id", m.ID)
	return txn.Run(ctx, func(ctx context.Context) error {
		if r.store != nil {
			rec := &relayRecord{
				hashKey:    r.hashKey,
				ID:         m.ID,
				Type:       sqpool.MessageType(m),
				Body:       m.Body,
				Attributes: m.Attributes,
				ReceivedAt: time.Now().UTC(),
			}
			// A redelivered message was already recorded.
			dup := txn.On(func(_ context.Context, err *awsadapter.ConflictError) {
				logger.WithError(err).Info("message already recorded")
			})
			if err := r.store.Create(ctx, rec, dup); err != nil {
				return err
			}
		}
		out := &txn.Message{
			Body:            m.Body,
			Attributes:      m.Attributes,
			DeduplicationID: m.ID,
		}
		if r.topic != nil {
			if err := r.topic.Publish(ctx, out); err != nil {
				return err
			}
		}
		if r.forward != nil {
			if r.delay > 0 {
				return r.forward.SendDelayed(ctx, out, r.delay)
			}
			return r.forward.Send(ctx, out)
		}
		return nil
	}, txn.WithLogger(logger))
}

// relayRecord is the item written for each relayed message.
type relayRecord struct {
	hashKey string
	version int64

	ID         string
	Type       string
	Body       string
	Attributes map[string]string
	ReceivedAt time.Time
}

func (r *relayRecord) Version() int64     { return r.version }
func (r *relayRecord) SetVersion(v int64) { r.version = v }

// MarshalDynamoDBAttributeValue stores the message id under the table's
// hash key.
func (r *relayRecord) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	item := map[string]interface{}{
		r.hashKey:     r.ID,
		"type":        r.Type,
		"body":        r.Body,
		"received_at": r.ReceivedAt.Format(time.RFC3339Nano),
	}
	if len(r.Attributes) > 0 {
		item["attributes"] = r.Attributes
	}
	return attributevalue.Marshal(item)
}
