// Package awsadapter connects sqpool and txn to AWS.
//
// Each adapter depends on a narrow client interface holding only the SDK
// methods it calls, so tests can substitute fakes for the SDK clients.
package awsadapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
	"github.com/leelynne/sqpool/txn"
)

// maxDelay is the longest delivery delay SQS accepts.
const maxDelay = 15 * time.Minute

// SQSClient is the part of the SQS API used by Queue.
type SQSClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue is an SQS queue. It is an sqpool.Source for consuming and a
// txn.Sender for producing.
type Queue struct {
	client            SQSClient
	name              string
	url               string
	visibilityTimeout time.Duration
	fifo              bool
	log               logrus.FieldLogger
}

// OpenQueue resolves the URL and the visibility timeout of the named queue.
func OpenQueue(ctx context.Context, client SQSClient, name string, log logrus.FieldLogger) (*Queue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	url, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue url for %q: %w", name, err)
	}
	attrs, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       url.QueueUrl,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameVisibilityTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue attributes for %q: %w", name, err)
	}
	to, ok := attrs.Attributes[string(types.QueueAttributeNameVisibilityTimeout)]
	if !ok {
		return nil, fmt.Errorf("no visibility timeout returned for queue %q", name)
	}
	secs, err := strconv.Atoi(to)
	if err != nil {
		return nil, fmt.Errorf("invalid visibility timeout %q for queue %q: %w", to, name, err)
	}
	return &Queue{
		client:            client,
		name:              name,
		url:               aws.ToString(url.QueueUrl),
		visibilityTimeout: time.Duration(secs) * time.Second,
		fifo:              strings.HasSuffix(name, ".fifo"),
		log:               log.WithField("queue", name),
	}, nil
}

// String returns the queue name.
func (q *Queue) String() string { return "sqs:" + q.name }

// URL returns the queue URL.
func (q *Queue) URL() string { return q.url }

// VisibilityTimeout returns the queue's default visibility timeout.
func (q *Queue) VisibilityTimeout() time.Duration { return q.visibilityTimeout }

// Receive long polls for up to maxMessages messages.
func (q *Queue) Receive(ctx context.Context, waitSeconds int, maxMessages int) ([]*sqpool.Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         int32(maxMessages),
		WaitTimeSeconds:             int32(waitSeconds),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	msgs := make([]*sqpool.Message, 0, len(out.Messages))
	for i := range out.Messages {
		msgs = append(msgs, fromSQS(out.Messages[i]))
	}
	return msgs, nil
}

// Delete removes a received message from the queue.
func (q *Queue) Delete(ctx context.Context, m *sqpool.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", m.ID, q.name, err)
	}
	return nil
}

// Send sends m with no delay.
func (q *Queue) Send(ctx context.Context, m *txn.Message) error {
	return q.send(ctx, m, 0)
}

// SendDelayed sends m so it becomes visible after delay. SQS accepts at most
// fifteen minutes; FIFO queues do not support per message delays.
func (q *Queue) SendDelayed(ctx context.Context, m *txn.Message, delay time.Duration) error {
	if delay < 0 || delay > maxDelay {
		return fmt.Errorf("send to %s: delay %s out of range [0, %s]", q.name, delay, maxDelay)
	}
	if q.fifo && delay > 0 {
		return fmt.Errorf("send to %s: fifo queues do not support per message delays", q.name)
	}
	return q.send(ctx, m, delay)
}

func (q *Queue) send(ctx context.Context, m *txn.Message, delay time.Duration) error {
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(m.Body),
		DelaySeconds:      int32(delay / time.Second),
		MessageAttributes: toSQSAttributes(m.Attributes),
	}
	if q.fifo {
		group := m.GroupID
		if group == "" {
			group = "default"
		}
		dedup := m.DeduplicationID
		if dedup == "" {
			dedup = uuid.NewString()
		}
		in.MessageGroupId = aws.String(group)
		in.MessageDeduplicationId = aws.String(dedup)
	}
	out, err := q.client.SendMessage(ctx, in)
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	q.log.WithField("message_id", aws.ToString(out.MessageId)).Debug("message sent")
	return nil
}

// Heartbeat wraps h so that the visibility timeout of a message is extended
// while h is still running, keeping other consumers from receiving it.
func (q *Queue) Heartbeat(h sqpool.Handler) sqpool.Handler {
	interval := time.Duration(float64(q.visibilityTimeout) * 0.9)
	return sqpool.HandlerFunc(func(ctx context.Context, m *sqpool.Message) error {
		if interval <= 0 {
			return h.HandleMessage(ctx, m)
		}
		done := make(chan struct{})
		defer close(done)
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					if err := q.extend(ctx, m); err != nil {
						q.log.WithError(err).WithField("message_id", m.ID).Warn("heartbeat failed")
					}
				}
			}
		}()
		return h.HandleMessage(ctx, m)
	})
}

func (q *Queue) extend(ctx context.Context, m *sqpool.Message) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: int32(q.visibilityTimeout / time.Second),
	})
	return err
}

func fromSQS(sm types.Message) *sqpool.Message {
	m := &sqpool.Message{
		ID:            aws.ToString(sm.MessageId),
		ReceiptHandle: aws.ToString(sm.ReceiptHandle),
		Body:          aws.ToString(sm.Body),
		Attributes:    make(map[string]string, len(sm.MessageAttributes)),
		Raw:           sm,
	}
	for k, attr := range sm.MessageAttributes {
		// Binary attributes have no string form.
		if aws.ToString(attr.DataType) == "Binary" {
			continue
		}
		m.Attributes[k] = aws.ToString(attr.StringValue)
	}
	return m
}

func toSQSAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}
