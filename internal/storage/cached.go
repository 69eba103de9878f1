package storage

import (
	"context"
	"encoding/json"
	"time"
)

// CachedStore wraps a ResultStore with a read-through cache. Result
// documents are written once when a job finishes and never mutated, so
// cached reads only go stale through eviction.
type CachedStore struct {
	store     ResultStore
	cache     *memoryCache[json.RawMessage]
	ttl       time.Duration
	skipCache bool
}

// CachedOption configures a CachedStore.
type CachedOption func(*CachedStore)

// WithTTL overrides the per-entry lifetime of cached results.
func WithTTL(ttl time.Duration) CachedOption {
	return func(c *CachedStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSkipCache bypasses the cache entirely; every Load hits the
// underlying store.
func WithSkipCache(skip bool) CachedOption {
	return func(c *CachedStore) { c.skipCache = skip }
}

// NewCachedStore wraps store with an in-memory result cache.
func NewCachedStore(store ResultStore, opts ...CachedOption) *CachedStore {
	c := &CachedStore{
		store: store,
		ttl:   DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = newMemoryCache[json.RawMessage]("job_results", c.ttl, DefaultCleanupInterval)
	return c
}

// Save writes through to the underlying store. Any cached entry for the
// job is dropped so the next Load observes the new document.
func (c *CachedStore) Save(ctx context.Context, jobID string, payload any) (string, error) {
	path, err := c.store.Save(ctx, jobID, payload)
	if err != nil {
		return "", err
	}
	c.cache.Delete(ctx, jobID)
	return path, nil
}

// Load returns the cached document when present, reading through to the
// underlying store on a miss.
func (c *CachedStore) Load(ctx context.Context, jobID string) (json.RawMessage, error) {
	if c.skipCache {
		return c.store.Load(ctx, jobID)
	}

	if value, ok := c.cache.Get(ctx, jobID); ok {
		return value, nil
	}

	value, err := c.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, jobID, value, c.ttl)

	return value, nil
}
