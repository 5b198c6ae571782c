package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SweepFunc removes stale state and returns how many items it dropped.
type SweepFunc func() int

// Sweeper runs maintenance tasks either every Nth Tick (for runtimes without
// background schedulers) or on a ticker via Run. Sweeps never overlap.
type Sweeper struct {
	every  uint64
	calls  atomic.Uint64
	group  singleflight.Group
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]SweepFunc
	order []string
}

// NewSweeper creates a Sweeper that sweeps on every nth Tick. n <= 0 disables
// tick-driven sweeps.
func NewSweeper(n int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{logger: logger, tasks: make(map[string]SweepFunc)}
	if n > 0 {
		s.every = uint64(n)
	}
	return s
}

// Register adds a named task. Registering a name twice replaces the task.
func (s *Sweeper) Register(name string, fn SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		s.order = append(s.order, name)
	}
	s.tasks[name] = fn
}

// Tick counts a request and sweeps on every Nth one. It reports whether this
// call triggered a sweep.
func (s *Sweeper) Tick() bool {
	if s.every == 0 {
		return false
	}
	if s.calls.Add(1)%s.every != 0 {
		return false
	}
	s.Sweep()
	return true
}

// Sweep runs all tasks once. Concurrent callers share the in-flight sweep.
func (s *Sweeper) Sweep() map[string]int {
	v, _, _ := s.group.Do("sweep", func() (any, error) {
		s.mu.Lock()
		names := append([]string(nil), s.order...)
		tasks := make([]SweepFunc, len(names))
		for i, n := range names {
			tasks[i] = s.tasks[n]
		}
		s.mu.Unlock()

		out := make(map[string]int, len(names))
		for i, fn := range tasks {
			out[names[i]] = fn()
		}
		s.logger.Debug("maintenance sweep", "removed", out)
		return out, nil
	})
	out, _ := v.(map[string]int)
	return out
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
