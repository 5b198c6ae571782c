package domain

import "time"

// LogEvent is one structured interaction record: every terminal pipeline
// outcome produces one.
type LogEvent struct {
	Topic         string         `json:"topic" dynamodbav:"topic"`
	Status        string         `json:"status" dynamodbav:"status"`
	Code          int            `json:"code" dynamodbav:"code"`
	CorrelationID string         `json:"correlationId,omitempty" dynamodbav:"correlationId,omitempty"`
	Subject       string         `json:"subject,omitempty" dynamodbav:"subject,omitempty"`
	LatencyMillis int64          `json:"latencyMs" dynamodbav:"latencyMs"`
	Fields        map[string]any `json:"fields,omitempty" dynamodbav:"fields,omitempty"`
	At            time.Time      `json:"at" dynamodbav:"at"`
}
