// Package ratelimit implements a fixed-window request limiter per subject.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dvai-assistant/internal/store"
)

// Decision is the result of Allow.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter counts requests per subject in fixed windows aligned to Window.
type Limiter struct {
	kv     *store.Mirror
	limit  int64
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New creates a Limiter allowing limit requests per window.
func New(kv *store.Mirror, limit int, window time.Duration, opts ...Option) *Limiter {
	if kv == nil {
		kv = store.NewMirror(nil, nil, 0)
	}
	if window <= 0 {
		window = time.Hour
	}
	l := &Limiter{
		kv:     kv,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucket(now time.Time) (start, end time.Time) {
	start = now.Truncate(l.window)
	return start, start.Add(l.window)
}

func key(subject string, start time.Time) string {
	return fmt.Sprintf("rl:%s:%d", subject, start.Unix())
}

// Allow counts one request for subject and reports whether it is within the
// limit. A non-positive limit disables limiting.
func (l *Limiter) Allow(ctx context.Context, subject string) Decision {
	now := l.now()
	start, end := l.bucket(now)
	if l.limit <= 0 {
		return Decision{Allowed: true, ResetAt: end}
	}

	k := key(subject, start)
	n, err := l.kv.Incr(ctx, k)
	if err != nil {
		// Both tiers failed; counting is impossible so the request goes through.
		l.logger.Warn("rate limiter unavailable, allowing request", "subject", subject, "err", err)
		return Decision{Allowed: true, Limit: l.limit, ResetAt: end}
	}
	if n == 1 {
		_ = l.kv.Expire(ctx, k, end.Sub(now))
	}

	d := Decision{Allowed: n <= l.limit, Count: n, Limit: l.limit, ResetAt: end}
	if !d.Allowed {
		d.RetryAfter = end.Sub(now)
	}
	return d
}

// Remaining reports how many requests subject has left in the current window
// without counting one.
func (l *Limiter) Remaining(ctx context.Context, subject string) int64 {
	start, _ := l.bucket(l.now())
	raw, ok, _ := l.kv.Get(ctx, key(subject, start))
	if !ok {
		return l.limit
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return l.limit
	}
	if n >= l.limit {
		return 0
	}
	return l.limit - n
}

// Sweep drops expired fallback windows. The durable store expires its own.
func (l *Limiter) Sweep() int { return l.kv.Local().Sweep() }
