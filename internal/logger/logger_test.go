package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heksher-io/heksher/internal/config"
)

func testAppConfig(format, level string) *config.AppConfig {
	return &config.AppConfig{
		Name:        "heksher",
		Version:     "test",
		Environment: "development",
		LogLevel:    level,
		LogFormat:   format,
	}
}

func TestNewWithWriter(t *testing.T) {
	t.Run("Should emit JSON with identity attributes", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(testAppConfig("json", "info"), &buf)

		log.Info("hello")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, "heksher", entry["service"])
		assert.Equal(t, "test", entry["version"])
		assert.Equal(t, "development", entry["env"])
	})

	t.Run("Should respect the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(testAppConfig("json", "warn"), &buf)

		log.Info("suppressed")
		assert.Zero(t, buf.Len())

		log.Warn("visible")
		assert.NotZero(t, buf.Len())
	})

	t.Run("Should emit text format when configured", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(testAppConfig("text", "info"), &buf)

		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("Should panic on nil config", func(t *testing.T) {
		assert.Panics(t, func() { NewWithWriter(nil, &bytes.Buffer{}) })
	})
}

func TestContext(t *testing.T) {
	t.Run("Should round-trip a logger through the context", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(testAppConfig("json", "info"), &buf)

		ctx := WithContext(context.Background(), log)
		FromContext(ctx).Info("from context")

		assert.Contains(t, buf.String(), "from context")
	})

	t.Run("Should fall back to the default logger", func(t *testing.T) {
		got := FromContext(context.Background())
		require.NotNil(t, got)
		assert.Equal(t, slog.Default(), got)
	})
}
