package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenKV fails every call.
type brokenKV struct{ calls int }

func (b *brokenKV) Get(context.Context, string) (string, bool, error) {
	b.calls++
	return "", false, errors.New("connection refused")
}
func (b *brokenKV) Set(context.Context, string, string, time.Duration) error {
	b.calls++
	return errors.New("connection refused")
}
func (b *brokenKV) Incr(context.Context, string) (int64, error) {
	b.calls++
	return 0, errors.New("connection refused")
}
func (b *brokenKV) Expire(context.Context, string, time.Duration) error {
	b.calls++
	return errors.New("connection refused")
}
func (b *brokenKV) Ping(context.Context) error { return errors.New("connection refused") }

// stuckKV ignores its context and blocks until released.
type stuckKV struct{ release chan struct{} }

func (s *stuckKV) Get(context.Context, string) (string, bool, error) {
	<-s.release
	return "late", true, nil
}
func (s *stuckKV) Set(context.Context, string, string, time.Duration) error {
	<-s.release
	return nil
}
func (s *stuckKV) Incr(context.Context, string) (int64, error) {
	<-s.release
	return 99, nil
}
func (s *stuckKV) Expire(context.Context, string, time.Duration) error {
	<-s.release
	return nil
}
func (s *stuckKV) Ping(context.Context) error {
	<-s.release
	return nil
}

func TestLocal_SetGetExpire(t *testing.T) {
	clock := newFakeClock()
	l := NewLocal(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k", "v", time.Minute))
	v, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	clock.Advance(time.Minute)
	_, ok, _ = l.Get(ctx, "k")
	require.False(t, ok)
}

func TestLocal_IncrAndExpire(t *testing.T) {
	clock := newFakeClock()
	l := NewLocal(WithClock(clock.Now))
	ctx := context.Background()

	n, _ := l.Incr(ctx, "c")
	require.EqualValues(t, 1, n)
	require.NoError(t, l.Expire(ctx, "c", 10*time.Second))
	n, _ = l.Incr(ctx, "c")
	require.EqualValues(t, 2, n)

	clock.Advance(10 * time.Second)
	n, _ = l.Incr(ctx, "c")
	require.EqualValues(t, 1, n, "counter restarts after expiry")
}

func TestLocal_EvictExpiredThenLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	l := NewLocal(WithClock(clock.Now), WithCapacity(2))

	l.Put("short", "x", time.Second)
	clock.Advance(time.Millisecond)
	l.Put("a", "1", time.Hour)
	clock.Advance(time.Millisecond)
	l.Put("b", "2", time.Hour)
	clock.Advance(time.Millisecond)
	l.Put("c", "3", time.Hour)
	clock.Advance(time.Millisecond)
	_, ok := l.Lookup("a")
	require.True(t, ok)
	clock.Advance(2 * time.Second)

	removed := l.Evict()
	require.Equal(t, 2, removed)
	require.Equal(t, 2, l.Len())
	_, ok = l.Lookup("b")
	require.False(t, ok, "b is the least recently accessed entry")
	_, ok = l.Lookup("a")
	require.True(t, ok)
	_, ok = l.Lookup("c")
	require.True(t, ok)
}

func TestMirror_FallsBackWhenDurableFails(t *testing.T) {
	durable := &brokenKV{}
	m := NewMirror(durable, NewLocal(), 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	n, err := m.Incr(ctx, "n")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, m.Expire(ctx, "n", time.Minute))
	require.Greater(t, durable.calls, 0)
}

func TestMirror_MirrorsDurableHits(t *testing.T) {
	durable := NewLocal()
	local := NewLocal()
	m := NewMirror(durable, local, time.Second)
	ctx := context.Background()

	durable.Put("k", "from-durable", time.Minute)
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "from-durable", v)

	mirrored, ok := local.Lookup("k")
	require.True(t, ok)
	require.Equal(t, "from-durable", mirrored)

	n, err := m.Incr(ctx, "n")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, _ = m.Incr(ctx, "n")
	require.EqualValues(t, 2, n)
	local.Delete("n")
	n, _ = m.Incr(ctx, "n")
	require.EqualValues(t, 3, n, "durable count wins over a missing local copy")
}

func TestMirror_DurableTimeoutDoesNotBlock(t *testing.T) {
	stuck := &stuckKV{release: make(chan struct{})}
	defer close(stuck.release)
	m := NewMirror(stuck, NewLocal(), 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Less(t, time.Since(start), time.Second)
}

func TestMirror_SetAsyncSurvivesCancellation(t *testing.T) {
	durable := NewLocal()
	m := NewMirror(durable, NewLocal(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.SetAsync(ctx, "k", "v", time.Minute)
	m.Wait()
	v, ok := durable.Lookup("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTimeout_NilStore(t *testing.T) {
	tm := WithTimeout(nil, time.Second)
	_, _, err := tm.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, tm.Ping(context.Background()), ErrUnavailable)
}

func TestSweeper_TicksEveryNth(t *testing.T) {
	s := NewSweeper(3, nil)
	runs := 0
	s.Register("count", func() int {
		runs++
		return 1
	})

	var triggered []bool
	for i := 0; i < 6; i++ {
		triggered = append(triggered, s.Tick())
	}
	require.Equal(t, []bool{false, false, true, false, false, true}, triggered)
	require.Equal(t, 2, runs)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	s := NewSweeper(0, nil)
	var mu sync.Mutex
	runs := 0
	s.Register("count", func() int {
		mu.Lock()
		runs++
		mu.Unlock()
		return 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.False(t, s.Tick(), "tick-driven sweeps are disabled")
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := NewKeyLock(8)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("subject")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
