package storage

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/slidewise/conveyor/internal/log"
)

const DefaultCacheTTL = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// newMemoryCache initializes an in-memory cache with the given eviction
// settings. useCase labels log lines when several caches coexist.
func newMemoryCache[V any](useCase string, defaultTTL, cleanupInterval time.Duration) *memoryCache[V] {
	return &memoryCache[V]{
		useCase: useCase,
		cache:   gocache.New(defaultTTL, cleanupInterval),
	}
}

// memoryCache is a string-keyed TTL cache backed by go-cache.
type memoryCache[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// Get retrieves an item from the cache by its key.
func (c *memoryCache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(key)
	if !found {
		return zeroValue, false
	}

	// Type assertion check to ensure the type is correct
	v, ok := value.(V)
	if !ok {
		log.Error(log.CatStorage, "wrong type assertion when getting value", "use_case", c.useCase, "key", key)

		return zeroValue, false
	}

	log.Debug(log.CatStorage, "cache hit", "use_case", c.useCase, "key", key)

	return v, true
}

// Set stores a value with a TTL.
func (c *memoryCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes values by key.
func (c *memoryCache[V]) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush drops every cached entry.
func (c *memoryCache[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}

// ItemCount reports how many entries are cached, expired included.
func (c *memoryCache[V]) ItemCount() int {
	return c.cache.ItemCount()
}
