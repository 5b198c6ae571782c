// Package store provides the durable-with-fallback key/value abstraction used
// by the cache, the circuit breaker and the rate limiter.
//
// A durable KV (DynamoDB in production) is wrapped with a timeout and paired
// with an in-process Local map. Mirror reads and writes through both and
// never reports a durable failure to its caller.
package store

import (
	"context"
	"time"
)

// KV is the durable key/value contract. Implementations must honour ctx
// deadlines.
type KV interface {
	// Get returns the value for key and whether it exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the expiry of key to ttl from now.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
