package awsadapter

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
)

// LambdaOption configures LambdaHandler.
type LambdaOption func(*lambdaConfig)

type lambdaConfig struct {
	log       logrus.FieldLogger
	redeliver bool
	metrics   sqpool.MetricHandler
}

// WithLambdaLogger sets the logger.
func WithLambdaLogger(l logrus.FieldLogger) LambdaOption {
	return func(c *lambdaConfig) { c.log = l }
}

// WithLambdaMetrics sets a callback receiving the same metrics a Listener
// emits. The in-flight count is the number of records left in the batch.
func WithLambdaMetrics(m sqpool.MetricHandler) LambdaOption {
	return func(c *lambdaConfig) { c.metrics = m }
}

// RedeliverOnError reports records whose handler failed as batch item
// failures so Lambda returns them to the queue. By default a failed record
// counts as processed, as it does for a Listener.
func RedeliverOnError() LambdaOption {
	return func(c *lambdaConfig) { c.redeliver = true }
}

// LambdaHandler returns a function for lambda.Start that dispatches each
// record of an SQS event through res. The event source mapping must enable
// ReportBatchItemFailures for RedeliverOnError to take effect.
func LambdaHandler(res sqpool.Resolver, opts ...LambdaOption) func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	c := lambdaConfig{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&c)
	}
	metric := func(mtype sqpool.MetricType, val float64, inflight int) {
		if c.metrics != nil {
			c.metrics(mtype, val, inflight)
		}
	}

	return func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		var resp events.SQSEventResponse
		metric(sqpool.MetricReceive, float64(len(ev.Records)), len(ev.Records))
		for i, rec := range ev.Records {
			m := fromLambda(rec)
			logger := c.log.WithField("message_id", m.ID)
			left := len(ev.Records) - i - 1

			h := res.Resolve(m)
			if h == nil {
				logger.Trace("no handler for message")
				metric(sqpool.MetricUnhandled, 1, left)
				continue
			}
			if err := handle(ctx, h, m); err != nil {
				logger.WithError(err).Error("handler failed")
				metric(sqpool.MetricHandlerError, 1, left)
				if c.redeliver {
					resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: m.ID})
				}
				continue
			}
			metric(sqpool.MetricHandled, 1, left)
		}
		return resp, nil
	}
}

func handle(ctx context.Context, h sqpool.Handler, m *sqpool.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleMessage(ctx, m)
}

func fromLambda(rec events.SQSMessage) *sqpool.Message {
	m := &sqpool.Message{
		ID:            rec.MessageId,
		ReceiptHandle: rec.ReceiptHandle,
		Body:          rec.Body,
		Attributes:    make(map[string]string, len(rec.MessageAttributes)),
		Raw:           rec,
	}
	for k, attr := range rec.MessageAttributes {
		if attr.StringValue != nil {
			m.Attributes[k] = *attr.StringValue
		}
	}
	return m
}
