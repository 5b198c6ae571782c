package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(ts *time.Time) func() time.Time {
	return func() time.Time { return *ts }
}

func TestTracker_SessionLimit(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	tr := New(Limits{PerSession: 2, PerDay: 10, Global: 100}, WithClock(fixedClock(&now)))

	require.True(t, tr.CheckAndConsume("ip", "s1"))
	require.True(t, tr.CheckAndConsume("ip", "s1"))
	before := tr.Usage("ip", "s1")

	require.False(t, tr.CheckAndConsume("ip", "s1"))
	require.Equal(t, before, tr.Usage("ip", "s1"))

	require.True(t, tr.CheckAndConsume("ip", "s2"))
}

func TestTracker_DayLimitRollsOver(t *testing.T) {
	now := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	tr := New(Limits{PerSession: 100, PerDay: 2, Global: 100}, WithClock(fixedClock(&now)))

	require.True(t, tr.CheckAndConsume("ip", "a"))
	require.True(t, tr.CheckAndConsume("ip", "b"))
	require.False(t, tr.CheckAndConsume("ip", "c"))
	require.True(t, tr.CheckAndConsume("other", "c"))

	now = now.Add(2 * time.Hour)
	require.True(t, tr.CheckAndConsume("ip", "c"))
	require.Equal(t, 2, tr.Sweep())
	require.Equal(t, 1, tr.Usage("ip", "c").Day)
}

func TestTracker_GlobalLimitLeavesCountersUnchanged(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	tr := New(Limits{PerSession: 10, PerDay: 10, Global: 3}, WithClock(fixedClock(&now)))

	require.True(t, tr.CheckAndConsume("a", "1"))
	require.True(t, tr.CheckAndConsume("b", "2"))
	require.True(t, tr.CheckAndConsume("c", "3"))

	require.False(t, tr.CheckAndConsume("d", "4"))
	u := tr.Usage("d", "4")
	require.Zero(t, u.Session)
	require.Zero(t, u.Day)
	require.Equal(t, 3, u.Global)
}

func TestTracker_ZeroLimitDisablesCounter(t *testing.T) {
	tr := New(Limits{PerSession: 1})
	require.True(t, tr.CheckAndConsume("a", "s"))
	require.False(t, tr.CheckAndConsume("a", "s"))
	require.True(t, tr.CheckAndConsume("a", "t"))
}

func TestTracker_ConcurrentConsumersNeverExceedLimit(t *testing.T) {
	tr := New(Limits{PerSession: 1000, PerDay: 1000, Global: 50})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.CheckAndConsume("ip", "s") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, granted)
	require.Equal(t, 50, tr.Usage("ip", "s").Global)
}
