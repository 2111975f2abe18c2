package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel(" DEBUG ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestNewWritesJSONToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "progress.log")
	logger, err := New(Config{Level: "warn", Format: "json", File: file})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("epoch", zap.Int("leaves", 7))
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"leaves":7`)
	assert.Contains(t, string(data), `"msg":"epoch"`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
	_, err = New(Config{Level: "chatty"})
	require.Error(t, err)

	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
