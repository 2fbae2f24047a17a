package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
)

// MemoryCache is the in-process cache used when no Redis is configured.
// It is backed by otter's contention-free S3-FIFO cache with a hard
// capacity cap and a TTL safety net.
type MemoryCache struct {
	store otter.Cache[string, []byte]

	mu    sync.RWMutex
	epoch string
}

// NewMemoryCache initializes the in-memory cache.
// capacity caps the number of cached bodies; ttl bounds staleness should
// an invalidation ever be missed.
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	store, err := otter.MustBuilder[string, []byte](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store, epoch: uuid.NewString()}, nil
}

// Get retrieves a body cached during the current generation.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	return c.store.Get(c.generationKey(key))
}

// Set stores a body under the current generation.
func (c *MemoryCache) Set(_ context.Context, key string, body []byte) {
	c.store.Set(c.generationKey(key), body)
}

// Invalidate replaces the generation epoch; stale entries age out via TTL
// and capacity eviction.
func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	c.epoch = uuid.NewString()
	c.mu.Unlock()
	return nil
}

// Close shuts down the cache and its background goroutines.
func (c *MemoryCache) Close() error {
	c.store.Close()
	return nil
}

func (c *MemoryCache) generationKey(key string) string {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()
	return epoch + ":" + key
}
