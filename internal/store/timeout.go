package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds each durable store call.
const DefaultTimeout = 2 * time.Second

// ErrUnavailable is returned by Timeout when the wrapped store is nil.
var ErrUnavailable = errors.New("store: durable store unavailable")

// Timeout bounds every call on a durable KV. Each call runs against a timer,
// so a store that ignores its context still cannot hold the caller past d.
type Timeout struct {
	kv KV
	d  time.Duration
}

// WithTimeout wraps kv. A nil kv yields a store that always fails fast.
func WithTimeout(kv KV, d time.Duration) *Timeout {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &Timeout{kv: kv, d: d}
}

type result[T any] struct {
	v   T
	err error
}

func race[T any](ctx context.Context, d time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ch := make(chan result[T], 1)
	go func() {
		v, err := call(ctx)
		ch <- result[T]{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("store: %w", ctx.Err())
	}
}

type found struct {
	value string
	ok    bool
}

func (t *Timeout) Get(ctx context.Context, key string) (string, bool, error) {
	if t.kv == nil {
		return "", false, ErrUnavailable
	}
	r, err := race(ctx, t.d, func(ctx context.Context) (found, error) {
		v, ok, err := t.kv.Get(ctx, key)
		return found{value: v, ok: ok}, err
	})
	return r.value, r.ok, err
}

func (t *Timeout) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if t.kv == nil {
		return ErrUnavailable
	}
	_, err := race(ctx, t.d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.kv.Set(ctx, key, value, ttl)
	})
	return err
}

func (t *Timeout) Incr(ctx context.Context, key string) (int64, error) {
	if t.kv == nil {
		return 0, ErrUnavailable
	}
	return race(ctx, t.d, func(ctx context.Context) (int64, error) {
		return t.kv.Incr(ctx, key)
	})
}

func (t *Timeout) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if t.kv == nil {
		return ErrUnavailable
	}
	_, err := race(ctx, t.d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.kv.Expire(ctx, key, ttl)
	})
	return err
}

func (t *Timeout) Ping(ctx context.Context) error {
	if t.kv == nil {
		return ErrUnavailable
	}
	_, err := race(ctx, t.d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.kv.Ping(ctx)
	})
	return err
}
