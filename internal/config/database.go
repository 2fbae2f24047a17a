package config

import (
	"fmt"
	"strings"
	"time"
)

// DatabaseConfig contains PostgreSQL connection settings. The connection
// string is the single source of truth (HEKSHER_DB_CONNECTION_STRING);
// pool tuning is layered on top of it.
type DatabaseConfig struct {
	ConnectionString string `envconfig:"CONNECTION_STRING"`

	// Connection pool
	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// SerializationRetries bounds retry attempts for transactions that
	// fail with a serialization conflict.
	SerializationRetries int `envconfig:"SERIALIZATION_RETRIES" default:"3" validate:"min=0"`
}

// Validate checks that the database configuration can produce a connection.
func (c *DatabaseConfig) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("database connection string is required (HEKSHER_DB_CONNECTION_STRING)")
	}
	if err := validatePostgresURL(c.ConnectionString); err != nil {
		return fmt.Errorf("invalid database connection string: %w", err)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// IsConfigured returns true when a connection string is present.
func (c *DatabaseConfig) IsConfigured() bool {
	return c.ConnectionString != ""
}

// validatePostgresURL validates the PostgreSQL connection URL format.
func validatePostgresURL(dbURL string) error {
	parsed, err := parseAndValidateURL(dbURL, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return fmt.Errorf("user is required in URL")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return fmt.Errorf("database name is required in URL path")
	}
	return nil
}
