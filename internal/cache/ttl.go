// Package cache provides read-through caches used by the scheduler to avoid
// hitting storage on every tick.
package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LoadFunc fetches the value for key from the backing store.
type LoadFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// TTL is a read-through cache with a fixed time-to-live per entry and
// explicit invalidation. Failed loads are never cached.
type TTL[K comparable, V any] struct {
	items *gocache.Cache
	ttl   time.Duration
}

// NewTTL creates a cache whose entries expire ttl after being loaded.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	cleanup := ttl * 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &TTL[K, V]{
		items: gocache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

// Get returns the cached value for key, calling load on a miss or after
// expiry. When load fails, any stale entry for key is evicted.
func (c *TTL[K, V]) Get(ctx context.Context, key K, load LoadFunc[K, V]) (V, error) {
	k := cacheKey(key)
	if v, ok := c.items.Get(k); ok {
		return v.(V), nil
	}
	v, err := load(ctx, key)
	if err != nil {
		c.items.Delete(k)
		var zero V
		return zero, err
	}
	c.items.Set(k, v, c.ttl)
	return v, nil
}

// Invalidate drops the entry for key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.items.Delete(cacheKey(key))
}

func cacheKey[K comparable](key K) string {
	return fmt.Sprint(key)
}
