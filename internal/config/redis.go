package config

import (
	"fmt"
	"time"
)

// RedisConfig contains the optional Redis connection used by the shared
// query cache. When no URL is configured the service falls back to the
// in-process cache.
type RedisConfig struct {
	URL string `envconfig:"URL"`

	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10" validate:"min=1"`
}

// Validate checks the Redis configuration if one is present.
func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return nil
	}
	if _, err := parseAndValidateURL(c.URL, []string{"redis", "rediss"}); err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	return nil
}

// IsConfigured returns true when a Redis URL is present.
func (c *RedisConfig) IsConfigured() bool {
	return c.URL != ""
}
