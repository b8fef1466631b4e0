package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/septivank/smartplug-ingest-worker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, "test-service")
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "chatty", Format: "console"}, "test-service")
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json", File: path}, "test-service")
	require.NoError(t, err)

	WithDevice(logger, "desk-plug").Info("reading stored")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"friendly_name":"desk-plug"`)
	assert.Contains(t, string(contents), `"service":"test-service"`)
}
