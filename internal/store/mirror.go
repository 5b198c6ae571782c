package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mirror pairs a durable KV with a Local fallback. Reads prefer the durable
// store and mirror hits locally; any durable error silently falls back to the
// local copy. Writes land locally first and reach the durable store on a best
// effort basis.
type Mirror struct {
	durable KV
	local   *Local
	timeout time.Duration
	// mirrorTTL is the local expiry of values mirrored from the durable
	// store when the local copy has none.
	mirrorTTL time.Duration
	logger    *slog.Logger

	pending sync.WaitGroup
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithLogger sets the logger used for debug-level fallback notices.
func WithLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMirrorTTL sets the local expiry given to values mirrored from the
// durable store.
func WithMirrorTTL(d time.Duration) MirrorOption {
	return func(m *Mirror) { m.mirrorTTL = d }
}

// NewMirror wraps durable (may be nil) with a timeout and pairs it with
// local.
func NewMirror(durable KV, local *Local, timeout time.Duration, opts ...MirrorOption) *Mirror {
	if local == nil {
		local = NewLocal()
	}
	m := &Mirror{
		local:     local,
		timeout:   timeout,
		mirrorTTL: time.Hour,
		logger:    slog.Default(),
	}
	if durable != nil {
		m.durable = WithTimeout(durable, timeout)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Local exposes the fallback store.
func (m *Mirror) Local() *Local { return m.local }

// Durable reports whether a durable store is configured.
func (m *Mirror) Durable() bool { return m.durable != nil }

func (m *Mirror) fallback(op, key string, err error) {
	m.logger.Debug("durable store fallback", "op", op, "key", key, "err", err)
}

// Get reads key, durable first.
func (m *Mirror) Get(ctx context.Context, key string) (string, bool, error) {
	if m.durable != nil {
		v, ok, err := m.durable.Get(ctx, key)
		if err == nil {
			if ok {
				m.local.Put(key, v, m.mirrorTTL)
				return v, true, nil
			}
			// The durable store is authoritative when it answers.
			m.local.Delete(key)
			return "", false, nil
		}
		m.fallback("get", key, err)
	}
	v, ok := m.local.Lookup(key)
	return v, ok, nil
}

// Set writes key locally and then to the durable store, synchronously but
// bounded by the timeout. Errors are swallowed.
func (m *Mirror) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.local.Put(key, value, ttl)
	if m.durable != nil {
		if err := m.durable.Set(ctx, key, value, ttl); err != nil {
			m.fallback("set", key, err)
		}
	}
	return nil
}

// SetAsync writes key locally and hands the durable write to a goroutine
// detached from ctx cancellation.
func (m *Mirror) SetAsync(ctx context.Context, key, value string, ttl time.Duration) {
	m.local.Put(key, value, ttl)
	if m.durable == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := m.durable.Set(bg, key, value, ttl); err != nil {
			m.fallback("set_async", key, err)
		}
	}()
}

// Wait blocks until asynchronous durable writes have finished.
func (m *Mirror) Wait() { m.pending.Wait() }

// Incr increments key in the durable store and mirrors the result, or
// increments the local counter when the durable store fails.
func (m *Mirror) Incr(ctx context.Context, key string) (int64, error) {
	if m.durable != nil {
		n, err := m.durable.Incr(ctx, key)
		if err == nil {
			m.local.SetCount(key, n, m.mirrorTTL)
			return n, nil
		}
		m.fallback("incr", key, err)
	}
	return m.local.Incr(ctx, key)
}

// Expire sets the expiry locally and best-effort in the durable store.
func (m *Mirror) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_ = m.local.Expire(ctx, key, ttl)
	if m.durable != nil {
		if err := m.durable.Expire(ctx, key, ttl); err != nil {
			m.fallback("expire", key, err)
		}
	}
	return nil
}

// Ping reports the durable store health. The mirror itself always works, so
// this is informational only.
func (m *Mirror) Ping(ctx context.Context) error {
	if m.durable == nil {
		return ErrUnavailable
	}
	return m.durable.Ping(ctx)
}
