package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/heksher-io/heksher/internal/config"
)

const (
	keyPrefix = "heksher:query"
	epochKey  = "heksher:query:epoch"
)

// RedisCache is the shared cache used when Redis is configured. The
// generation epoch lives in Redis too, so replicas fronting the same
// database share invalidation.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient initializes a Redis client from config and verifies
// connectivity.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("redis is not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates the shared query cache over an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get retrieves a body cached during the current generation. Any Redis
// failure degrades to a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	epoch, err := c.currentEpoch(ctx)
	if err != nil {
		return nil, false
	}
	body, err := c.client.Get(ctx, c.entryKey(epoch, key)).Bytes()
	if err != nil {
		return nil, false
	}
	return body, true
}

// Set stores a body under the current generation with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, body []byte) {
	epoch, err := c.currentEpoch(ctx)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.entryKey(epoch, key), body, c.ttl).Err()
}

// Invalidate replaces the shared generation epoch.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Set(ctx, epochKey, uuid.NewString(), 0).Err(); err != nil {
		return fmt.Errorf("failed to rotate cache epoch: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// currentEpoch reads the shared epoch, initializing it on first use.
func (c *RedisCache) currentEpoch(ctx context.Context) (string, error) {
	epoch, err := c.client.Get(ctx, epochKey).Result()
	if errors.Is(err, redis.Nil) {
		epoch = uuid.NewString()
		// SetNX keeps a concurrently-written epoch authoritative
		if err := c.client.SetNX(ctx, epochKey, epoch, 0).Err(); err != nil {
			return "", err
		}
		return c.client.Get(ctx, epochKey).Result()
	}
	if err != nil {
		return "", err
	}
	return epoch, nil
}

func (c *RedisCache) entryKey(epoch, key string) string {
	return keyPrefix + ":" + epoch + ":" + key
}
