package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"dvai-assistant/internal/domain"
)

const eventTTL = 30 * 24 * time.Hour // 30-day TTL

// eventRecord is the stored shape of a log event. Events of one topic and UTC
// day share a partition; the sort key orders them by time.
type eventRecord struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	domain.LogEvent
	TTL int64 `dynamodbav:"ttl"`
}

// eventPK returns the partition key for events of topic on day.
func eventPK(topic string, day time.Time) string {
	return "EVT#" + topic + "#" + day.UTC().Format(time.DateOnly)
}

// eventSK returns a time-ordered, collision-free sort key.
func eventSK(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano) + "#" + uuid.NewString()
}

// EventLog persists interaction log events.
type EventLog struct {
	c *Client
}

// Events exposes the client as an event log.
func (c *Client) Events() *EventLog { return &EventLog{c: c} }

// Append writes one event with a 30-day TTL.
func (l *EventLog) Append(ctx context.Context, ev domain.LogEvent) error {
	if ev.Topic == "" {
		return errors.New("repository: Append: topic is required")
	}
	if ev.At.IsZero() {
		ev.At = l.c.now()
	}
	item, err := attributevalue.MarshalMap(eventRecord{
		PK:       eventPK(ev.Topic, ev.At),
		SK:       eventSK(ev.At),
		LogEvent: ev,
		TTL:      ttlValue(l.c.now(), eventTTL),
	})
	if err != nil {
		return fmt.Errorf("repository: Append encode: %w", err)
	}
	_, err = l.c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// Recent returns up to limit events of topic on day in chronological order.
func (l *EventLog) Recent(ctx context.Context, topic string, day time.Time, limit int) ([]domain.LogEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(l.c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: eventPK(topic, day)},
		},
		// Read newest first so LIMIT favors the most recent events.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	out, err := l.c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}

	events := make([]domain.LogEvent, 0, len(out.Items))
	for _, item := range out.Items {
		var rec eventRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
		}
		events = append(events, rec.LogEvent)
	}
	// Reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
