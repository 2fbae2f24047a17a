// Package logger provides the configured structured logger for the service.
// It wraps the standard library "log/slog" package to keep formatting
// (JSON or text, chosen by the LogFormat setting) and level management in one place.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/heksher-io/heksher/internal/config"
)

// New creates a *slog.Logger from the application config, writing to stdout.
func New(cfg *config.AppConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a *slog.Logger writing to the given writer. Used by
// tests that need to capture output.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		panic("logger: config cannot be nil")
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
		// file:line is useful in development, expensive in production
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	// identity attributes appear on every line emitted by this logger or
	// its children
	return slog.New(handler).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

// parseLevel converts a string to slog.Level, defaulting to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	// UnmarshalText handles case insensitivity (INFO, info, Info)
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
