package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "flybox.log")

	logger, closeFn, err := New(Config{File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	Component(logger, "session").Infow("recording started", "wells", 96)
	Component(logger, "session").Debugw("hidden at info level")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"logger":"session"`)
	assert.Contains(t, text, `"msg":"recording started"`)
	assert.Contains(t, text, `"wells":96`)
	assert.NotContains(t, text, "hidden at info level")
}

func TestNewDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")

	logger, closeFn, err := New(Config{Debug: true, File: path})
	require.NoError(t, err)
	logger.Debug("coarse pass")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "coarse pass")
}

func TestNewWithoutFile(t *testing.T) {
	logger, closeFn, err := New(Config{})
	require.NoError(t, err)
	logger.Info("console only")
	assert.NoError(t, closeFn())
}
