package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	kvPrefix = "KV#"
	kvSK     = "KV"
	pingKey  = "__ping__"
)

// kvRecord is the stored shape of one key. A key holds either a string value
// or a counter.
type kvRecord struct {
	PK    string `dynamodbav:"PK"`
	SK    string `dynamodbav:"SK"`
	Value string `dynamodbav:"val,omitempty"`
	Count *int64 `dynamodbav:"cnt,omitempty"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

func (r kvRecord) expired(now time.Time) bool {
	return r.TTL > 0 && now.Unix() >= r.TTL
}

func kvKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: kvPrefix + key},
		"SK": &types.AttributeValueMemberS{Value: kvSK},
	}
}

// KVStore is the durable key-value store backing the caches, the circuit
// breaker and the rate limiter.
type KVStore struct {
	c *Client
}

// KV exposes the client as a key-value store.
func (c *Client) KV() *KVStore { return &KVStore{c: c} }

// Get returns the value stored under key. Items past their TTL are treated
// as missing because DynamoDB deletes expired items lazily.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.c.tableName),
		Key:            kvKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("repository: kv get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	var rec kvRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return "", false, fmt.Errorf("repository: kv get decode: %w", err)
	}
	if rec.expired(s.c.now()) {
		return "", false, nil
	}
	if rec.Value == "" && rec.Count != nil {
		return strconv.FormatInt(*rec.Count, 10), true, nil
	}
	return rec.Value, true, nil
}

// Set replaces key with value. A non-positive ttl stores the item without
// expiry.
func (s *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	rec := kvRecord{PK: kvPrefix + key, SK: kvSK, Value: value}
	if ttl > 0 {
		rec.TTL = ttlValue(s.c.now(), ttl)
	}
	return s.put(ctx, rec, "set")
}

func (s *KVStore) put(ctx context.Context, rec kvRecord, op string) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("repository: kv %s encode: %w", op, err)
	}
	_, err = s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: kv %s: %w", op, err)
	}
	return nil
}

// Incr atomically adds one to the counter under key and returns the new
// value. A counter whose TTL passed but which DynamoDB has not deleted yet
// restarts at one.
func (s *KVStore) Incr(ctx context.Context, key string) (int64, error) {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("cnt"), expression.Value(1))).
		Build()
	if err != nil {
		return 0, fmt.Errorf("repository: kv incr expression: %w", err)
	}
	out, err := s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.c.tableName),
		Key:                       kvKey(key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: kv incr: %w", err)
	}
	var rec kvRecord
	if out != nil {
		if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
			return 0, fmt.Errorf("repository: kv incr decode: %w", err)
		}
	}
	if rec.Count == nil {
		return 0, errors.New("repository: kv incr: counter missing from response")
	}
	if rec.expired(s.c.now()) {
		one := int64(1)
		if err := s.put(ctx, kvRecord{PK: kvPrefix + key, SK: kvSK, Count: &one}, "incr reset"); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return *rec.Count, nil
}

// Expire sets the TTL of an existing key. Missing keys are ignored.
func (s *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("ttl"), expression.Value(ttlValue(s.c.now(), ttl)))).
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("repository: kv expire expression: %w", err)
	}
	_, err = s.c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.c.tableName),
		Key:                       kvKey(key),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var missing *types.ConditionalCheckFailedException
	if errors.As(err, &missing) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: kv expire: %w", err)
	}
	return nil
}

// Ping checks that the table is reachable.
func (s *KVStore) Ping(ctx context.Context) error {
	_, err := s.c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.c.tableName),
		Key:       kvKey(pingKey),
	})
	if err != nil {
		return fmt.Errorf("repository: ping: %w", err)
	}
	return nil
}
