// Package budget caps expensive model calls per session, per subject per day
// and globally. Counters live in process memory only.
package budget

import (
	"sync"
	"time"
)

// Limits configures the three counters. A non-positive value disables that
// counter.
type Limits struct {
	PerSession int
	PerDay     int
	Global     int
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{PerSession: 20, PerDay: 100, Global: 5000}
}

// Usage is a snapshot of the counters relevant to one subject and session.
type Usage struct {
	Session int    `json:"session"`
	Day     int    `json:"day"`
	Global  int    `json:"global"`
	Date    string `json:"date"`
	Limits  Limits `json:"limits"`
}

type dayKey struct {
	subject string
	date    string
}

// Tracker holds the counters. Safe for concurrent use.
type Tracker struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]int
	days     map[dayKey]int
	global   int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		limits:   limits,
		now:      time.Now,
		sessions: make(map[string]int),
		days:     make(map[dayKey]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) date() string { return t.now().UTC().Format(time.DateOnly) }

func atLimit(n, limit int) bool { return limit > 0 && n >= limit }

// CheckAndConsume consumes one unit from every counter, or none when any of
// them is already at its limit.
func (t *Tracker) CheckAndConsume(subject, session string) bool {
	dk := dayKey{subject: subject, date: t.date()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if atLimit(t.sessions[session], t.limits.PerSession) ||
		atLimit(t.days[dk], t.limits.PerDay) ||
		atLimit(t.global, t.limits.Global) {
		return false
	}
	t.sessions[session]++
	t.days[dk]++
	t.global++
	return true
}

// Usage returns the current counters for subject and session.
func (t *Tracker) Usage(subject, session string) Usage {
	date := t.date()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{
		Session: t.sessions[session],
		Day:     t.days[dayKey{subject: subject, date: date}],
		Global:  t.global,
		Date:    date,
		Limits:  t.limits,
	}
}

// Sweep drops per-day counters of past days and returns how many were removed.
func (t *Tracker) Sweep() int {
	date := t.date()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.days {
		if k.date != date {
			delete(t.days, k)
			n++
		}
	}
	return n
}
