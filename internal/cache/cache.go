package cache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/go-orz/cache"
	"golang.org/x/sync/singleflight"

	"protocol-metrics/internal/metrics"
)

// Key identifies a cached result: the source it came from and the query fingerprint.
type Key struct {
	Source string
	Query  string
}

func (k Key) String() string {
	return k.Source + "|" + k.Query
}

// Options tune a ResultCache.
type Options struct {
	// SweepInterval controls how often expired entries are physically removed.
	SweepInterval time.Duration
	// Now overrides the clock used for freshness checks.
	Now func() time.Time
}

// Stats reports lookup counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

// ResultCache is a TTL cache in front of expensive fetches. Concurrent misses on the
// same key share one fetch. Failed fetches are never stored.
type ResultCache[V any] struct {
	store  gocache.Cache[string, entry[V]]
	group  singleflight.Group
	now    func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New constructs an empty cache.
func New[V any](opts Options) *ResultCache[V] {
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ResultCache[V]{
		store: gocache.New[string, entry[V]](sweep),
		now:   now,
	}
}

// Get returns the cached value if it is still fresh.
func (c *ResultCache[V]) Get(key Key) (V, bool) {
	var zero V
	k := key.String()
	e, ok := c.store.Get(k)
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.insertedAt) > e.ttl {
		c.store.Delete(k)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, replacing any previous entry. A non-positive ttl stores nothing.
func (c *ResultCache[V]) Put(key Key, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.store.Set(key.String(), entry[V]{value: value, insertedAt: c.now(), ttl: ttl}, ttl)
}

// Invalidate drops the entry for key.
func (c *ResultCache[V]) Invalidate(key Key) {
	c.store.Delete(key.String())
}

// GetOrFetch returns a fresh cached value or calls fetch, caching its result on success.
// If ctx ends first the caller gets ctx.Err(), but the fetch keeps running on a detached
// context and still fills the cache for later callers.
func (c *ResultCache[V]) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		c.hits.Add(1)
		metrics.CacheLookupsTotal.WithLabelValues(key.Source, "hit").Inc()
		return v, nil
	}
	c.misses.Add(1)
	metrics.CacheLookupsTotal.WithLabelValues(key.Source, "miss").Inc()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		c.Put(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Stats returns hit and miss counters.
func (c *ResultCache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
