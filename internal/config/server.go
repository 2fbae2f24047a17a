package config

import "time"

// ServerConfig configures the main HTTP API server.
type ServerConfig struct {
	Port              string        `envconfig:"PORT" default:"8888"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"` // 512KB
}

// Validate performs validation on the ServerConfig.
func (c *ServerConfig) Validate() error {
	if err := validatePort(c.Port, "api server"); err != nil {
		return err
	}
	return validateHost(c.Host, "api server")
}

// ObservabilityConfig configures the dedicated admin server that exposes
// metrics and readiness probes, isolated from business traffic.
type ObservabilityConfig struct {
	Enabled       bool   `envconfig:"ENABLED" default:"true"`
	Port          string `envconfig:"PORT" default:"9966"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/probes/live"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/probes/ready"`
}

// Validate performs validation on the ObservabilityConfig.
func (c *ObservabilityConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validatePort(c.Port, "observability server")
}
