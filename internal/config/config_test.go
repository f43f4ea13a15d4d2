package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/trigger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "macrohost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, []string{"./plugins"}, cfg.Plugins.Dirs)
	assert.Equal(t, []string{"flow", "system", "timer"}, cfg.Plugins.Builtins)
	assert.Equal(t, 500*time.Millisecond, cfg.Plugins.Debounce)
	assert.False(t, cfg.Plugins.Isolate)
	assert.Equal(t, 256, cfg.Engine.EventCapacity)
	assert.Equal(t, "local", cfg.Globals.Backend)
	assert.Equal(t, "macrohost:globals:", cfg.Globals.Prefix)
	assert.Equal(t, ":8085", cfg.HTTP.Addr)
	assert.Empty(t, cfg.File)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
plugins:
  dirs: [/opt/macrohost/plugins, ./extra]
  hot_reload: true
  debounce: 2s
  isolate: true
  pass_env: [AWS_REGION]
engine:
  event_capacity: 16
globals:
  backend: redis
  redis_url: redis://localhost:6379/0
http:
  addr: 127.0.0.1:9000
macros:
  file: macros.yaml
triggers:
  - name: nightly
    schedule: "0 3 * * *"
    payload: backup
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"/opt/macrohost/plugins", "./extra"}, cfg.Plugins.Dirs)
	assert.True(t, cfg.Plugins.HotReload)
	assert.Equal(t, 2*time.Second, cfg.Plugins.Debounce)
	assert.True(t, cfg.Plugins.Isolate)
	assert.Equal(t, []string{"AWS_REGION"}, cfg.Plugins.PassEnv)
	assert.Equal(t, 16, cfg.Engine.EventCapacity)
	assert.Equal(t, "redis", cfg.Globals.Backend)
	assert.Equal(t, "macros.yaml", cfg.Macros.File)
	assert.Equal(t, []trigger.Spec{{Name: "nightly", Schedule: "0 3 * * *", Payload: "backup"}}, cfg.Triggers)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: :9000\n")
	t.Setenv("MACROHOST_HTTP_ADDR", ":7000")
	t.Setenv("MACROHOST_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
	})

	tests := map[string]string{
		"bad level":          "log:\n  level: loud\n",
		"bad format":         "log:\n  format: xml\n",
		"redis without url":  "globals:\n  backend: redis\n",
		"unknown backend":    "globals:\n  backend: etcd\n",
		"zero capacity":      "engine:\n  event_capacity: 0\n",
		"trigger schedule":   "triggers:\n  - name: x\n",
		"signatures no keys": "plugins:\n  require_signatures: true\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration), "%v", err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(LogConfig{Level: "loud"}, &buf)
	assert.True(t, errors.Is(err, apierrors.ErrInvalidConfiguration))
}
