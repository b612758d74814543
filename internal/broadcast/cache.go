package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a cached status stays fresh.
const DefaultTTL = 30 * time.Second

// Clock returns the current time.
type Clock func() time.Time

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// StatusCache memoizes per-key values for a TTL. Concurrent misses for the
// same key share one computation. Invalidate drops an entry and makes any
// computation already in flight for it unable to store its result.
type StatusCache[V any] struct {
	ttl   time.Duration
	clock Clock
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	gens    map[string]uint64
}

// NewStatusCache creates a cache. A zero ttl uses DefaultTTL and a nil clock
// uses time.Now.
func NewStatusCache[V any](ttl time.Duration, clock Clock) *StatusCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &StatusCache[V]{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry[V]),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached value for key, computing it on a miss or expiry.
func (c *StatusCache[V]) Get(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.clock().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := compute(ctx)
		if err != nil {
			return val, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = cacheEntry[V]{value: val, expires: c.clock().Add(c.ttl)}
		}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the entry for key.
func (c *StatusCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// TTL returns the configured time to live.
func (c *StatusCache[V]) TTL() time.Duration {
	return c.ttl
}
