package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("model trained", zap.String("service", "api"))
	require.NoError(t, l.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "model trained", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "api", entry["service"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomaly.log")
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "debug", Format: "console", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	l.Warn("severity thresholds reloaded")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"severity thresholds reloaded"`)
	assert.Contains(t, buf.String(), "severity thresholds reloaded")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l.Level())

	l.Info("dropped")
	require.NoError(t, l.SetLevel("debug"))
	l.Debug("kept")
	_ = l.Sync()

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.Error(t, l.SetLevel("verbose"))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
