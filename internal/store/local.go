package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type localEntry struct {
	value      string
	count      int64
	expiresAt  time.Time
	lastAccess time.Time
}

func (e *localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Local is the always-available in-process store. It implements KV and adds
// the eviction hooks the cache needs. Safe for concurrent use.
type Local struct {
	mu       sync.Mutex
	entries  map[string]*localEntry
	capacity int
	now      func() time.Time
}

// LocalOption configures a Local.
type LocalOption func(*Local)

// WithCapacity bounds the number of entries kept after Evict.
func WithCapacity(n int) LocalOption {
	return func(l *Local) { l.capacity = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// NewLocal creates an empty Local.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := l.Lookup(key)
	return v, ok, nil
}

// Lookup is Get without the context and error, refreshing recency on a hit.
func (l *Local) Lookup(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(now) {
		delete(l.entries, key)
		return "", false
	}
	e.lastAccess = now
	if e.value == "" && e.count != 0 {
		return strconv.FormatInt(e.count, 10), true
	}
	return e.value, true
}

func (l *Local) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.Put(key, value, ttl)
	return nil
}

// Put stores value under key with the given ttl.
func (l *Local) Put(key, value string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := &localEntry{value: value, lastAccess: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	l.entries[key] = e
}

func (l *Local) Incr(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok || e.expired(now) {
		e = &localEntry{}
		l.entries[key] = e
	}
	e.count++
	e.value = ""
	e.lastAccess = now
	return e.count, nil
}

// SetCount mirrors a counter value read from the durable store. An existing
// expiry is kept; otherwise ttl applies.
func (l *Local) SetCount(key string, n int64, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok || e.expired(now) {
		e = &localEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		l.entries[key] = e
	}
	e.count = n
	e.value = ""
	e.lastAccess = now
}

func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.expiresAt = l.now().Add(ttl)
	}
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }

// Delete removes key.
func (l *Local) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len is the number of stored entries, expired or not.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (l *Local) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *Local) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range l.entries {
		if e.expired(now) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Evict removes expired entries, then the least recently accessed ones until
// the store is within capacity. It returns the number of removed entries.
func (l *Local) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.sweepLocked(l.now())
	if l.capacity <= 0 || len(l.entries) <= l.capacity {
		return removed
	}
	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(l.entries))
	for k, e := range l.entries {
		all = append(all, aged{key: k, last: e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].last.Equal(all[j].last) {
			return all[i].key < all[j].key
		}
		return all[i].last.Before(all[j].last)
	})
	for _, a := range all[:len(all)-l.capacity] {
		delete(l.entries, a.key)
		removed++
	}
	return removed
}
