package awsadapter

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool/txn"
)

// SNSClient is the part of the SNS API used by Topic.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Topic publishes to an SNS topic. It is a txn.Publisher.
type Topic struct {
	client SNSClient
	arn    string
	fifo   bool
	log    logrus.FieldLogger
}

// NewTopic returns a Topic publishing to arn.
func NewTopic(client SNSClient, arn string, log logrus.FieldLogger) *Topic {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Topic{
		client: client,
		arn:    arn,
		fifo:   strings.HasSuffix(arn, ".fifo"),
		log:    log.WithField("topic", arn),
	}
}

func (t *Topic) String() string { return "sns:" + t.arn }

// Publish publishes m to the topic.
func (t *Topic) Publish(ctx context.Context, m *txn.Message) error {
	in := &sns.PublishInput{
		TopicArn:          aws.String(t.arn),
		Message:           aws.String(m.Body),
		MessageAttributes: toSNSAttributes(m.Attributes),
	}
	if t.fifo {
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
	out, err := t.client.Publish(ctx, in)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", t.arn, err)
	}
	t.log.WithField("message_id", aws.ToString(out.MessageId)).Debug("message published")
	return nil
}

func toSNSAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
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
