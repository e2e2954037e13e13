package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLogLevel(" warning "))
	assert.Equal(t, LevelError, ParseLogLevel("error"))
	assert.Equal(t, LevelInfo, ParseLogLevel("verbose"))
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "value")
}

func TestJSONLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, LevelDebug).With("component", "cache")
	logger.Debug("evicted", "key", "k1")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "evicted", record["msg"])
	assert.Equal(t, "cache", record["component"])
	assert.Equal(t, "k1", record["key"])
}

func TestZapLoggerAdapter(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	logger := NewZapLogger(zap.New(obs))

	logger.Error("boom", "op", "import")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "boom", entry.Message)
	assert.Equal(t, "import", entry.ContextMap()["op"])

	assert.Equal(t, NopLogger(), NewZapLogger(nil))
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	assert.Equal(t, l, l.With("a", 1))
}
