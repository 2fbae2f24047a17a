// Package config provides centralized configuration for the Heksher service.
// It uses envconfig for environment variable loading and validator for
// validation. All variables live under the HEKSHER prefix; DOC_ONLY is also
// honored unprefixed for compatibility with existing deployments.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvironmentProduction is the production environment identifier
	EnvironmentProduction = "production"

	envPrefix = "HEKSHER"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Health        HealthConfig        `envconfig:"HEALTH"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`

	// StartupContextFeatures is the semicolon-delimited ordered feature
	// list the registry is reconciled against on startup. Empty skips
	// reconciliation.
	StartupContextFeatures string `envconfig:"STARTUP_CONTEXT_FEATURES"`

	// DocOnly serves only documentation and health routes; no database
	// connection is made.
	DocOnly bool `envconfig:"DOC_ONLY"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"heksher"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// RequestTimeout bounds the worst-case blocking of a single request.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// HealthConfig configures the recency sentinel.
type HealthConfig struct {
	// Interval is the sentinel's database poll period.
	Interval time.Duration `envconfig:"INTERVAL" default:"5s"`
}

// CacheConfig configures the optional query response cache.
type CacheConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Capacity int           `envconfig:"CAPACITY" default:"1024" validate:"min=1"`
	TTL      time.Duration `envconfig:"TTL" default:"5m"`
}

// Load reads configuration from environment variables with the HEKSHER
// prefix and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// the bare DOC_ONLY spelling predates the prefix convention
	if raw, ok := os.LookupEnv("DOC_ONLY"); ok {
		cfg.DocOnly = parseBool(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the loaded configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !c.DocOnly {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if _, err := c.ContextFeatures(); err != nil {
		return err
	}
	return nil
}

// ContextFeatures parses the startup feature list. Order is significant;
// duplicates and empty entries are rejected.
func (c *Config) ContextFeatures() ([]string, error) {
	if c.StartupContextFeatures == "" {
		return nil, nil
	}
	parts := strings.Split(c.StartupContextFeatures, ";")
	seen := make(map[string]struct{}, len(parts))
	features := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("startup context features contain an empty entry")
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("startup context feature %q repeated", p)
		}
		seen[p] = struct{}{}
		features = append(features, p)
	}
	return features, nil
}

// LogConfig logs the effective configuration (without sensitive data).
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.Duration("shutdown_timeout", c.App.ShutdownTimeout),
		slog.String("server_port", c.Server.Port),
		slog.Bool("doc_only", c.DocOnly),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
		slog.Bool("cache_enabled", c.Cache.Enabled),
		slog.Duration("health_interval", c.Health.Interval),
	)
}

// Shared validation helpers

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "on":
		return true
	}
	return false
}

// validatePort checks if port is a valid TCP port string (1-65535).
func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, portNum)
	}
	return nil
}

// validateHost checks if host is not empty and contains no whitespace.
func validateHost(host, context string) error {
	if host == "" {
		return fmt.Errorf("%s host cannot be empty", context)
	}
	if strings.TrimSpace(host) != host {
		return fmt.Errorf("%s host cannot contain whitespace", context)
	}
	return nil
}

// parseAndValidateURL parses a URL and checks its scheme and host.
func parseAndValidateURL(rawURL string, allowedSchemes []string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(allowedSchemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, allowedSchemes)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}
	return parsed, nil
}
