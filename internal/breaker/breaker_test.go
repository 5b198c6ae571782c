package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dvai-assistant/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("throttled")
}

func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("throttled")
}

func (failingKV) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("throttled")
}

func (failingKV) Expire(context.Context, string, time.Duration) error {
	return errors.New("throttled")
}

func (failingKV) Ping(context.Context) error {
	return errors.New("throttled")
}

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		Window:              time.Minute,
		BaseBlock:           10 * time.Second,
		MaxBlock:            time.Minute,
		HalfOpenMaxAttempts: 2,
		SuccessThreshold:    2,
		ProbeTimeout:        5 * time.Second,
	}
}

func newTestBreaker(t *testing.T, durable store.KV, c *clock, opts ...Option) *Breaker {
	t.Helper()
	local := store.NewLocal(store.WithClock(c.Now))
	kv := store.NewMirror(durable, local, 50*time.Millisecond)
	return New(kv, testConfig(), append([]Option{WithClock(c.Now)}, opts...)...)
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx, "llm")
	}
	d := b.CheckAllowed(ctx, "llm")
	require.True(t, d.Allowed)
	require.Equal(t, Closed, d.State)

	b.RecordFailure(ctx, "llm")
	d = b.CheckAllowed(ctx, "llm")
	require.False(t, d.Allowed)
	require.Equal(t, Open, d.State)
	require.Equal(t, ReasonOpen, d.Reason)
	require.Equal(t, 10*time.Second, d.RetryAfter)
}

func TestBreaker_FailuresOutsideWindowDoNotOpen(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	b.RecordFailure(ctx, "llm")
	b.RecordFailure(ctx, "llm")
	c.Advance(61 * time.Second)
	b.RecordFailure(ctx, "llm")

	d := b.CheckAllowed(ctx, "llm")
	require.True(t, d.Allowed)
	state, failures := b.Snapshot(ctx, "llm")
	require.Equal(t, Closed, state)
	require.Equal(t, 1, failures)
}

func TestBreaker_HalfOpenAfterBlockThenCloses(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "llm")
	}
	require.False(t, b.CheckAllowed(ctx, "llm").Allowed)

	c.Advance(10 * time.Second)
	d := b.CheckAllowed(ctx, "llm")
	require.True(t, d.Allowed)
	require.Equal(t, HalfOpen, d.State)

	b.RecordSuccess(ctx, "llm")
	state, _ := b.Snapshot(ctx, "llm")
	require.Equal(t, HalfOpen, state)

	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordSuccess(ctx, "llm")

	state, failures := b.Snapshot(ctx, "llm")
	require.Equal(t, Closed, state)
	require.Zero(t, failures)
	require.Zero(t, b.BlockDuration(ctx, "llm"))
}

func TestBreaker_HalfOpenFailureDoublesBlock(t *testing.T) {
	c := newClock()
	var transitions []State
	b := newTestBreaker(t, nil, c, OnTransition(func(_ string, _, to State) {
		transitions = append(transitions, to)
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "llm")
	}
	c.Advance(10 * time.Second)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordFailure(ctx, "llm")

	d := b.CheckAllowed(ctx, "llm")
	require.False(t, d.Allowed)
	require.Equal(t, Open, d.State)
	require.Equal(t, 20*time.Second, b.BlockDuration(ctx, "llm"))

	c.Advance(20 * time.Second)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordFailure(ctx, "llm")
	require.Equal(t, 40*time.Second, b.BlockDuration(ctx, "llm"))

	c.Advance(40 * time.Second)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordFailure(ctx, "llm")
	require.Equal(t, time.Minute, b.BlockDuration(ctx, "llm"))

	require.Equal(t, []State{Open, HalfOpen, Open, HalfOpen, Open, HalfOpen, Open}, transitions)
}

func TestBreaker_LimitsHalfOpenProbes(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "llm")
	}
	c.Advance(10 * time.Second)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)

	d := b.CheckAllowed(ctx, "llm")
	require.False(t, d.Allowed)
	require.Equal(t, HalfOpen, d.State)
	require.Equal(t, ReasonProbesInUse, d.Reason)
	require.Positive(t, d.RetryAfter)

	c.Advance(5 * time.Second)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
}

func TestBreaker_ReleaseReturnsHalfOpenSlot(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	// No-op while closed.
	b.Release(ctx, "llm")
	state, _ := b.Snapshot(ctx, "llm")
	require.Equal(t, Closed, state)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "llm")
	}
	c.Advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		d := b.CheckAllowed(ctx, "llm")
		require.True(t, d.Allowed)
		require.Equal(t, HalfOpen, d.State)
		b.Release(ctx, "llm")
	}

	// Releases never close the circuit.
	state, _ = b.Snapshot(ctx, "llm")
	require.Equal(t, HalfOpen, state)

	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	require.False(t, b.CheckAllowed(ctx, "llm").Allowed)

	// Extra releases do not go below the recorded successes.
	b.Release(ctx, "llm")
	b.Release(ctx, "llm")
	b.Release(ctx, "llm")
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordSuccess(ctx, "llm")
	require.True(t, b.CheckAllowed(ctx, "llm").Allowed)
	b.RecordSuccess(ctx, "llm")

	state, _ = b.Snapshot(ctx, "llm")
	require.Equal(t, Closed, state)
}

func TestBreaker_SubjectsAreIndependent(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, nil, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "a")
	}
	require.False(t, b.CheckAllowed(ctx, "a").Allowed)
	require.True(t, b.CheckAllowed(ctx, "b").Allowed)
}

func TestBreaker_SurvivesDurableStoreFailure(t *testing.T) {
	c := newClock()
	b := newTestBreaker(t, failingKV{}, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "llm")
	}
	d := b.CheckAllowed(ctx, "llm")
	require.False(t, d.Allowed)
	require.Equal(t, Open, d.State)
}

func TestBreaker_SharesStateThroughDurableStore(t *testing.T) {
	c := newClock()
	shared := store.NewLocal(store.WithClock(c.Now))
	first := newTestBreaker(t, shared, c)
	second := newTestBreaker(t, shared, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		first.RecordFailure(ctx, "llm")
	}
	require.False(t, second.CheckAllowed(ctx, "llm").Allowed)
}

func TestBreaker_ConcurrentFailuresAreNotLost(t *testing.T) {
	c := newClock()
	b := New(store.NewMirror(nil, store.NewLocal(store.WithClock(c.Now)), time.Second), Config{
		FailureThreshold: 50,
		Window:           time.Minute,
	}, WithClock(c.Now))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure(ctx, "llm")
		}()
	}
	wg.Wait()

	_, failures := b.Snapshot(ctx, "llm")
	require.Equal(t, 49, failures)
	b.RecordFailure(ctx, "llm")
	require.False(t, b.CheckAllowed(ctx, "llm").Allowed)
}
