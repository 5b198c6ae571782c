// Package breaker implements a per-subject circuit breaker whose state lives
// in the durable store with an in-process fallback.
package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dvai-assistant/internal/store"
)

// State is the breaker state of one subject.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Reasons reported in Decision.
const (
	ReasonOK           = "ok"
	ReasonOpen         = "circuit_open"
	ReasonProbing      = "half_open_probe"
	ReasonProbesInUse  = "half_open_probes_exhausted"
	ReasonProbeAllowed = "half_open_probe_allowed"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold failures within Window open the circuit.
	FailureThreshold int
	Window           time.Duration
	// BaseBlock is the first open duration; each failed probe doubles it up
	// to MaxBlock.
	BaseBlock time.Duration
	MaxBlock  time.Duration
	// HalfOpenMaxAttempts caps concurrent probes; SuccessThreshold successes
	// close the circuit.
	HalfOpenMaxAttempts int
	SuccessThreshold    int
	// ProbeTimeout releases probe slots that never reported an outcome.
	ProbeTimeout time.Duration
	// StateTTL is how long an idle subject's state is retained.
	StateTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		Window:              time.Minute,
		BaseBlock:           30 * time.Second,
		MaxBlock:            30 * time.Minute,
		HalfOpenMaxAttempts: 3,
		SuccessThreshold:    2,
		ProbeTimeout:        30 * time.Second,
		StateTTL:            24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BaseBlock <= 0 {
		c.BaseBlock = d.BaseBlock
	}
	if c.MaxBlock < c.BaseBlock {
		c.MaxBlock = d.MaxBlock
		if c.MaxBlock < c.BaseBlock {
			c.MaxBlock = c.BaseBlock
		}
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.SuccessThreshold > c.HalfOpenMaxAttempts {
		c.HalfOpenMaxAttempts = c.SuccessThreshold
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.StateTTL <= 0 {
		c.StateTTL = d.StateTTL
	}
	return c
}

// Decision is the outcome of CheckAllowed.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	State      State         `json:"state"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// circuit is the persisted per-subject state. Times are unix milliseconds.
type circuit struct {
	State             State   `json:"state"`
	Failures          []int64 `json:"failures,omitempty"`
	BlockedUntil      int64   `json:"blockedUntil,omitempty"`
	BlockMillis       int64   `json:"blockMs,omitempty"`
	HalfOpenAttempts  int     `json:"halfOpenAttempts,omitempty"`
	HalfOpenSuccesses int     `json:"halfOpenSuccesses,omitempty"`
	LastProbe         int64   `json:"lastProbe,omitempty"`
}

// Transition is reported to the observer whenever a subject changes state.
type Transition func(subject string, from, to State)

// Breaker guards calls per subject. Safe for concurrent use; transitions of
// one subject are serialized inside the process.
type Breaker struct {
	cfg          Config
	kv           *store.Mirror
	locks        *store.KeyLock
	now          func() time.Time
	logger       *slog.Logger
	onTransition Transition
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// OnTransition registers a state change callback.
func OnTransition(fn Transition) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a Breaker persisting through kv.
func New(kv *store.Mirror, cfg Config, opts ...Option) *Breaker {
	if kv == nil {
		kv = store.NewMirror(nil, nil, 0)
	}
	b := &Breaker{
		cfg:    cfg.withDefaults(),
		kv:     kv,
		locks:  store.NewKeyLock(64),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func stateKey(subject string) string { return "cb:" + subject }

func (b *Breaker) load(ctx context.Context, subject string) circuit {
	raw, ok, _ := b.kv.Get(ctx, stateKey(subject))
	if !ok {
		return circuit{State: Closed}
	}
	var c circuit
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.State == "" {
		b.logger.Warn("discarding unreadable breaker state", "subject", subject, "err", err)
		return circuit{State: Closed}
	}
	return c
}

func (b *Breaker) save(ctx context.Context, subject string, c circuit) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = b.kv.Set(ctx, stateKey(subject), string(raw), b.cfg.StateTTL)
}

func (b *Breaker) transition(subject string, from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit breaker transition", "subject", subject, "from", from, "to", to)
	if b.onTransition != nil {
		b.onTransition(subject, from, to)
	}
}

func (b *Breaker) pruneFailures(c *circuit, now int64) {
	cutoff := now - b.cfg.Window.Milliseconds()
	kept := c.Failures[:0]
	for _, ts := range c.Failures {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	c.Failures = kept
}

// CheckAllowed reports whether a call for subject may proceed. An OPEN
// circuit whose block has elapsed moves to HALF_OPEN here; there is no timer.
func (b *Breaker) CheckAllowed(ctx context.Context, subject string) Decision {
	unlock := b.locks.Lock(subject)
	defer unlock()

	now := b.now()
	nowMs := now.UnixMilli()
	c := b.load(ctx, subject)

	switch c.State {
	case Open:
		if nowMs < c.BlockedUntil {
			return Decision{
				State:      Open,
				Reason:     ReasonOpen,
				RetryAfter: time.Duration(c.BlockedUntil-nowMs) * time.Millisecond,
			}
		}
		c.State = HalfOpen
		c.HalfOpenAttempts = 1
		c.HalfOpenSuccesses = 0
		c.LastProbe = nowMs
		b.save(ctx, subject, c)
		b.transition(subject, Open, HalfOpen)
		return Decision{Allowed: true, State: HalfOpen, Reason: ReasonProbeAllowed}
	case HalfOpen:
		if c.HalfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			if nowMs-c.LastProbe < b.cfg.ProbeTimeout.Milliseconds() {
				return Decision{
					State:      HalfOpen,
					Reason:     ReasonProbesInUse,
					RetryAfter: time.Duration(c.LastProbe+b.cfg.ProbeTimeout.Milliseconds()-nowMs) * time.Millisecond,
				}
			}
			// Outstanding probes never reported back; release their slots.
			c.HalfOpenAttempts = c.HalfOpenSuccesses
		}
		c.HalfOpenAttempts++
		c.LastProbe = nowMs
		b.save(ctx, subject, c)
		return Decision{Allowed: true, State: HalfOpen, Reason: ReasonProbeAllowed}
	default:
		return Decision{Allowed: true, State: Closed, Reason: ReasonOK}
	}
}

// RecordSuccess reports a successful call for subject.
func (b *Breaker) RecordSuccess(ctx context.Context, subject string) {
	unlock := b.locks.Lock(subject)
	defer unlock()

	c := b.load(ctx, subject)
	switch c.State {
	case HalfOpen:
		c.HalfOpenSuccesses++
		if c.HalfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.save(ctx, subject, circuit{State: Closed})
			b.transition(subject, HalfOpen, Closed)
			return
		}
		b.save(ctx, subject, c)
	case Closed:
		if len(c.Failures) == 0 {
			return
		}
		before := len(c.Failures)
		b.pruneFailures(&c, b.now().UnixMilli())
		if len(c.Failures) != before {
			b.save(ctx, subject, c)
		}
	}
}

// RecordFailure reports a failed call for subject.
func (b *Breaker) RecordFailure(ctx context.Context, subject string) {
	unlock := b.locks.Lock(subject)
	defer unlock()

	nowMs := b.now().UnixMilli()
	c := b.load(ctx, subject)
	switch c.State {
	case HalfOpen:
		block := c.BlockMillis * 2
		if block <= 0 {
			block = b.cfg.BaseBlock.Milliseconds()
		}
		if limit := b.cfg.MaxBlock.Milliseconds(); block > limit {
			block = limit
		}
		c = circuit{
			State:        Open,
			BlockedUntil: nowMs + block,
			BlockMillis:  block,
		}
		b.save(ctx, subject, c)
		b.transition(subject, HalfOpen, Open)
	case Open:
		// Late failures from calls admitted before the circuit opened.
	default:
		c.Failures = append(c.Failures, nowMs)
		b.pruneFailures(&c, nowMs)
		if len(c.Failures) >= b.cfg.FailureThreshold {
			block := b.cfg.BaseBlock.Milliseconds()
			c = circuit{
				State:        Open,
				BlockedUntil: nowMs + block,
				BlockMillis:  block,
			}
			b.save(ctx, subject, c)
			b.transition(subject, Closed, Open)
			return
		}
		b.save(ctx, subject, c)
	}
}

// Release returns a HALF_OPEN attempt slot taken by CheckAllowed for a call
// that ended without reaching the guarded dependency. It records no outcome.
func (b *Breaker) Release(ctx context.Context, subject string) {
	unlock := b.locks.Lock(subject)
	defer unlock()

	c := b.load(ctx, subject)
	if c.State != HalfOpen || c.HalfOpenAttempts <= c.HalfOpenSuccesses {
		return
	}
	c.HalfOpenAttempts--
	b.save(ctx, subject, c)
}

// Snapshot returns the current state of subject without changing it.
func (b *Breaker) Snapshot(ctx context.Context, subject string) (State, int) {
	c := b.load(ctx, subject)
	return c.State, len(c.Failures)
}

// BlockDuration returns the current open duration of subject.
func (b *Breaker) BlockDuration(ctx context.Context, subject string) time.Duration {
	return time.Duration(b.load(ctx, subject).BlockMillis) * time.Millisecond
}
