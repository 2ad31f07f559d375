package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("json", zapcore.InfoLevel, &buf)
	log.Debug("hidden")
	log.Info("stage approved", zap.String("stage_id", "s1"))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "stage approved", entry["msg"])
	assert.Equal(t, "s1", entry["stage_id"])
	assert.Contains(t, entry, "ts")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bl.log")
	log, err := New(Config{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	log.Info("written")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}

func TestObserved(t *testing.T) {
	log, logs := NewObserved()
	log.Warn("notify failed", zap.String("sink", "webhook"))
	require.Equal(t, 1, logs.FilterMessage("notify failed").Len())
	assert.Equal(t, "webhook", logs.All()[0].ContextMap()["sink"])
}
