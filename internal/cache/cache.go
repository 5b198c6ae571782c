// Package cache is the dual-tier (durable + in-process) cache used for
// knowledge base lookups and final responses.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"dvai-assistant/internal/store"
)

// Observer receives hit/miss/eviction notifications, typically Prometheus
// counters.
type Observer interface {
	CacheHit(cache, tier string)
	CacheMiss(cache string)
	CacheEvicted(cache string, n int)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string, string)  {}
func (nopObserver) CacheMiss(string)         {}
func (nopObserver) CacheEvicted(string, int) {}

// Config sizes a Cache.
type Config struct {
	Name       string
	Capacity   int
	DefaultTTL time.Duration
	// EvictEvery triggers eviction on every Nth Get/Set call.
	EvictEvery int
	Timeout    time.Duration
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

type envelope[V any] struct {
	Value     V     `json:"v"`
	ExpiresAt int64 `json:"exp"`
}

// Cache stores JSON-encoded values of type V in a durable KV with an
// in-process LRU fallback. It never returns store errors.
type Cache[V any] struct {
	cfg      Config
	durable  store.KV
	local    *store.Local
	now      func() time.Time
	logger   *slog.Logger
	observer Observer

	calls     atomic.Uint64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	mirror    *store.Mirror
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New creates a cache over durable (may be nil for local-only operation).
func New[V any](durable store.KV, cfg Config, opts ...Option) *Cache[V] {
	o := options{now: time.Now, logger: slog.Default(), observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	local := store.NewLocal(store.WithCapacity(cfg.Capacity), store.WithClock(o.now))
	c := &Cache[V]{
		cfg:      cfg,
		local:    local,
		now:      o.now,
		logger:   o.logger,
		observer: o.observer,
		mirror:   store.NewMirror(durable, local, cfg.Timeout, store.WithLogger(o.logger)),
	}
	if durable != nil {
		c.durable = store.WithTimeout(durable, cfg.Timeout)
	}
	return c
}

func (c *Cache[V]) key(k string) string {
	return c.cfg.Name + ":" + k
}

func (c *Cache[V]) decode(raw string) (V, bool) {
	var env envelope[V]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		var zero V
		return zero, false
	}
	if env.ExpiresAt > 0 && c.now().UnixMilli() >= env.ExpiresAt {
		var zero V
		return zero, false
	}
	return env.Value, true
}

// Get returns the cached value for key. The durable store is consulted first;
// a valid durable hit is mirrored locally with refreshed recency.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	defer c.tick()
	k := c.key(key)
	if c.durable != nil {
		raw, ok, err := c.durable.Get(ctx, k)
		if err == nil && ok {
			if v, valid := c.decode(raw); valid {
				c.local.Put(k, raw, c.remaining(raw))
				c.hit("durable")
				return v, true
			}
		}
		if err != nil {
			c.logger.Debug("cache durable read failed", "cache", c.cfg.Name, "err", err)
		}
	}
	if raw, ok := c.local.Lookup(k); ok {
		if v, valid := c.decode(raw); valid {
			c.hit("local")
			return v, true
		}
		c.local.Delete(k)
	}
	c.misses.Add(1)
	c.observer.CacheMiss(c.cfg.Name)
	var zero V
	return zero, false
}

func (c *Cache[V]) hit(tier string) {
	c.hits.Add(1)
	c.observer.CacheHit(c.cfg.Name, tier)
}

func (c *Cache[V]) remaining(raw string) time.Duration {
	var env struct {
		ExpiresAt int64 `json:"exp"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ExpiresAt == 0 {
		return c.cfg.DefaultTTL
	}
	return time.UnixMilli(env.ExpiresAt).Sub(c.now())
}

// Set stores value for ttl (DefaultTTL when ttl <= 0). The local write is
// synchronous; the durable write is asynchronous and best effort.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	defer c.tick()
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	raw, err := json.Marshal(envelope[V]{Value: value, ExpiresAt: c.now().Add(ttl).UnixMilli()})
	if err != nil {
		c.logger.Warn("cache encode failed", "cache", c.cfg.Name, "err", err)
		return
	}
	c.mirror.SetAsync(ctx, c.key(key), string(raw), ttl)
}

// Wait blocks until pending durable writes finish.
func (c *Cache[V]) Wait() { c.mirror.Wait() }

func (c *Cache[V]) tick() {
	if c.calls.Add(1)%uint64(c.cfg.EvictEvery) == 0 {
		c.Evict()
	}
}

// Evict drops expired entries and then least recently accessed ones until
// the local tier is within capacity.
func (c *Cache[V]) Evict() int {
	n := c.local.Evict()
	if n > 0 {
		c.evictions.Add(int64(n))
		c.observer.CacheEvicted(c.cfg.Name, n)
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.local.Len(),
	}
}

// Name is the cache's key prefix.
func (c *Cache[V]) Name() string { return c.cfg.Name }
