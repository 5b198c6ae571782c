package logsink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dvai-assistant/internal/domain"
)

// Writer persists events; repository.EventLog satisfies it.
type Writer interface {
	Append(ctx context.Context, ev domain.LogEvent) error
}

// Sink logs every event through slog and forwards it to an optional Writer
// on a background goroutine. Emit never blocks: a full buffer drops the event.
type Sink struct {
	logger  *slog.Logger
	writer  Writer
	timeout time.Duration
	now     func() time.Time
	onDrop  func()

	mu      sync.RWMutex
	closed  bool
	events  chan domain.LogEvent
	done    chan struct{}
	dropped atomic.Int64
}

type Option func(*Sink)

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// OnDrop is called once per dropped event.
func OnDrop(fn func()) Option {
	return func(s *Sink) { s.onDrop = fn }
}

// New starts the sink. A nil writer turns it into a plain slog emitter.
func New(logger *slog.Logger, writer Writer, buffer int, opts ...Option) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1
	}
	s := &Sink{
		logger:  logger,
		writer:  writer,
		timeout: 2 * time.Second,
		now:     time.Now,
		onDrop:  func() {},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if writer == nil {
		close(s.done)
		return s
	}
	s.events = make(chan domain.LogEvent, buffer)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.writer.Append(ctx, ev); err != nil {
			s.logger.Warn("event persist failed", "topic", ev.Topic, "err", err)
		}
		cancel()
	}
}

// Emit records ev. It is safe to call after Close; the event is then only logged.
func (s *Sink) Emit(ev domain.LogEvent) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	s.log(ev)

	if s.writer == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.onDrop()
	}
}

func (s *Sink) log(ev domain.LogEvent) {
	attrs := make([]any, 0, 12+2*len(ev.Fields))
	attrs = append(attrs,
		"topic", ev.Topic,
		"status", ev.Status,
		"code", ev.Code,
		"correlationId", ev.CorrelationID,
		"subject", ev.Subject,
		"latencyMs", ev.LatencyMillis,
	)
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	if ev.Code >= 500 {
		level = slog.LevelError
	} else if ev.Code >= 400 {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "event", attrs...)
}

// Dropped reports how many events were not persisted because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for queued ones to be written or ctx to end.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.events != nil {
			close(s.events)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
