package awsadapter

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool/txn"
)

// DefaultVersionAttribute holds the optimistic lock version of an item.
const DefaultVersionAttribute = "version"

// DynamoClient is the part of the DynamoDB API used by Table.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ConflictError is returned when a write's version condition fails. It
// wraps the *types.ConditionalCheckFailedException from DynamoDB.
type ConflictError struct {
	Table    string
	Op       string
	Key      string
	Expected int64
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Op == "create" {
		return fmt.Sprintf("%s %s: item %s already exists", e.Op, e.Table, e.Key)
	}
	return fmt.Sprintf("%s %s: item %s is not at version %d", e.Op, e.Table, e.Key, e.Expected)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Table stores versioned records in a DynamoDB table. It is a txn.Store.
//
// Records are marshalled with attributevalue.MarshalMap; the version
// attribute of the item is managed by Table and overrides whatever the
// record marshals under that name.
type Table struct {
	client      DynamoClient
	name        string
	hashKey     string
	rangeKey    string
	versionAttr string
	log         logrus.FieldLogger
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithRangeKey sets the sort key attribute of the table.
func WithRangeKey(name string) TableOption {
	return func(t *Table) { t.rangeKey = name }
}

// WithVersionAttribute overrides DefaultVersionAttribute.
func WithVersionAttribute(name string) TableOption {
	return func(t *Table) { t.versionAttr = name }
}

// WithTableLogger sets the logger.
func WithTableLogger(l logrus.FieldLogger) TableOption {
	return func(t *Table) { t.log = l }
}

// NewTable returns a Table for the named table keyed by hashKey.
func NewTable(client DynamoClient, name, hashKey string, opts ...TableOption) *Table {
	t := &Table{
		client:      client,
		name:        name,
		hashKey:     hashKey,
		versionAttr: DefaultVersionAttribute,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("table", name)
	return t
}

func (t *Table) String() string { return "dynamodb:" + t.name }

// Create stores r at version 1. It fails with a *ConflictError when an item
// with the same key exists.
func (t *Table) Create(ctx context.Context, r txn.Record) error {
	item, err := t.marshal(r, 1)
	if err != nil {
		return err
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(t.name),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": t.hashKey},
	})
	if err != nil {
		return t.conflict("create", item, 0, err)
	}
	r.SetVersion(1)
	return nil
}

// Update stores r if the stored item is at r.Version(). The item is written
// at the next version and r is moved to it only on success.
func (t *Table) Update(ctx context.Context, r txn.Record) error {
	expected := r.Version()
	item, err := t.marshal(r, expected+1)
	if err != nil {
		return err
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(t.name),
		Item:                      item,
		ConditionExpression:       aws.String("#v = :expected"),
		ExpressionAttributeNames:  map[string]string{"#v": t.versionAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":expected": number(expected)},
	})
	if err != nil {
		return t.conflict("update", item, expected, err)
	}
	r.SetVersion(expected + 1)
	return nil
}

// Delete removes r if the stored item is at r.Version().
func (t *Table) Delete(ctx context.Context, r txn.Record) error {
	expected := r.Version()
	item, err := t.marshal(r, expected)
	if err != nil {
		return err
	}
	key := map[string]types.AttributeValue{t.hashKey: item[t.hashKey]}
	if t.rangeKey != "" {
		key[t.rangeKey] = item[t.rangeKey]
	}
	_, err = t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(t.name),
		Key:                       key,
		ConditionExpression:       aws.String("#v = :expected"),
		ExpressionAttributeNames:  map[string]string{"#v": t.versionAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":expected": number(expected)},
	})
	if err != nil {
		return t.conflict("delete", item, expected, err)
	}
	return nil
}

func (t *Table) marshal(r txn.Record, version int64) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record for %s: %w", t.name, err)
	}
	if _, ok := item[t.hashKey]; !ok {
		return nil, fmt.Errorf("record for %s has no %q attribute", t.name, t.hashKey)
	}
	if t.rangeKey != "" {
		if _, ok := item[t.rangeKey]; !ok {
			return nil, fmt.Errorf("record for %s has no %q attribute", t.name, t.rangeKey)
		}
	}
	item[t.versionAttr] = number(version)
	return item, nil
}

// conflict wraps condition failures in a *ConflictError and annotates the rest.
func (t *Table) conflict(op string, item map[string]types.AttributeValue, expected int64, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("%s %s: %w", op, t.name, err)
	}
	key := keyString(item[t.hashKey])
	t.log.WithFields(logrus.Fields{"op": op, "key": key, "expected": expected}).Debug("version condition failed")
	return &ConflictError{Table: t.name, Op: op, Key: key, Expected: expected, Err: err}
}

func number(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func keyString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return fmt.Sprintf("%v", av)
}
