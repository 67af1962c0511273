// Package cache provides small TTL caches for read paths that are
// expensive to recompute, such as the worker CLI version probe.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/ocmcp/internal/log"
)

const DefaultExpiration = 5 * time.Minute
const DefaultCleanupInterval = 10 * time.Minute

// Cache is a string-keyed TTL cache holding values of one type.
type Cache[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// New initializes a cache with the given default expiration and cleanup
// interval.
func New[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *Cache[V] {
	return &Cache[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves an item from the cache by its key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(key)
	if !found {
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", c.useCase, "key", key)
		return zeroValue, false
	}

	log.Debug(log.CatCache, "cache hit", "useCase", c.useCase, "key", key)
	return v, true
}

// GetWithRefresh retrieves an item and, on a hit, extends its ttl by
// putting it back in the cache.
func (c *Cache[V]) GetWithRefresh(key string, ttl time.Duration) (V, bool) {
	value, found := c.Get(key)
	if !found {
		return value, found
	}

	c.Set(key, value, ttl)
	return value, found
}

// Set stores a value with a key and TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes values by key.
func (c *Cache[V]) Delete(keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush drops every cached value.
func (c *Cache[V]) Flush() {
	c.cache.Flush()
}

// Loader computes a value on a cache miss.
type Loader[V any] func(ctx context.Context) (V, error)

// ReadThrough fronts a Loader with a Cache: hits are served from memory,
// misses run the loader and cache its result. Loader errors are returned
// without caching, so failures are retried on the next call.
type ReadThrough[V any] struct {
	cache *Cache[V]
	load  Loader[V]
}

// NewReadThrough creates a read-through wrapper around cache and load.
func NewReadThrough[V any](cache *Cache[V], load Loader[V]) *ReadThrough[V] {
	return &ReadThrough[V]{
		cache: cache,
		load:  load,
	}
}

// Get returns the cached value for key, or loads and caches it with ttl.
func (r *ReadThrough[V]) Get(ctx context.Context, key string, ttl time.Duration) (V, error) {
	if value, ok := r.cache.Get(key); ok {
		return value, nil
	}

	value, err := r.load(ctx)
	if err != nil {
		return value, err
	}

	r.cache.Set(key, value, ttl)
	return value, nil
}

// GetWithRefresh is Get but a hit also extends the entry's ttl.
func (r *ReadThrough[V]) GetWithRefresh(ctx context.Context, key string, ttl time.Duration) (V, error) {
	if value, ok := r.cache.GetWithRefresh(key, ttl); ok {
		return value, nil
	}

	value, err := r.load(ctx)
	if err != nil {
		return value, err
	}

	r.cache.Set(key, value, ttl)
	return value, nil
}
