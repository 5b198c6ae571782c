package knowledge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Result is what the lookup cache stores. A miss is cached as Found=false so
// repeated nonsense questions do not rescore the whole index.
type Result struct {
	Found bool  `json:"found"`
	Match Match `json:"match"`
}

// ResultCache is the subset of the dual-tier cache used by Lookup.
type ResultCache interface {
	Get(ctx context.Context, key string) (Result, bool)
	Set(ctx context.Context, key string, v Result, ttl time.Duration)
}

// Lookup is a cache-fronted matcher over a swappable index.
type Lookup struct {
	index atomic.Pointer[Index]
	cache ResultCache
	ttl   time.Duration
}

// NewLookup wires idx to cache. A nil cache disables caching.
func NewLookup(idx *Index, cache ResultCache, ttl time.Duration) (*Lookup, error) {
	if idx == nil {
		return nil, errors.New("knowledge: index must not be nil")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	l := &Lookup{cache: cache, ttl: ttl}
	l.index.Store(idx)
	return l, nil
}

// Index returns the index currently served.
func (l *Lookup) Index() *Index { return l.index.Load() }

// Swap replaces the served index. Cache keys carry the index version, so
// results from the old index are never served for the new one.
func (l *Lookup) Swap(idx *Index) {
	if idx != nil {
		l.index.Store(idx)
	}
}

// CacheKey is the cache key used for question against the current index.
func (l *Lookup) CacheKey(question string) string {
	return "kb:" + l.Index().Version() + ":" + Normalize(question)
}

// Find resolves question, consulting the cache first. The last return value
// reports whether the answer came from the cache.
func (l *Lookup) Find(ctx context.Context, question string) (Match, bool, bool) {
	idx := l.Index()
	key := l.CacheKey(question)
	if l.cache != nil {
		if r, ok := l.cache.Get(ctx, key); ok {
			return r.Match, r.Found, true
		}
	}
	m, found := idx.Match(question)
	if l.cache != nil {
		l.cache.Set(ctx, key, Result{Found: found, Match: m}, l.ttl)
	}
	return m, found, false
}
