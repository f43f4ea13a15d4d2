package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/pkg/plugin"
)

const testMacros = `
- name: count
  actions:
    - action: Flow/Set Variable
      args: [n, "5"]
- name: remember
  actions:
    - action: System/Set Global
      args: [seen, "yes"]
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config with an empty plugin directory and returns
// its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	plugins := filepath.Join(dir, "plugins")
	require.NoError(t, os.Mkdir(plugins, 0o755))
	cfg := "log:\n  level: error\n" +
		"plugins:\n  dirs: [" + plugins + "]\n" +
		"store:\n  path: " + filepath.Join(dir, "runs.db") + "\n" +
		"engine:\n  poll_interval: 5ms\n"
	path := filepath.Join(dir, "macrohost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootFormat(t *testing.T) {
	t.Run("rejects unknown format", func(t *testing.T) {
		_, err := execute(t, "--format", "xml", "version")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid format")
	})

	t.Run("version text", func(t *testing.T) {
		out, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "macrohost "+Version)
	})

	t.Run("version json", func(t *testing.T) {
		out, err := execute(t, "--format", "json", "version")
		require.NoError(t, err)
		var v versionInfo
		require.NoError(t, json.Unmarshal([]byte(out), &v))
		assert.Equal(t, Version, v.Version)
		assert.NotEmpty(t, v.Go)
	})
}

func TestPluginsScan(t *testing.T) {
	cfg := writeConfig(t)
	dir := t.TempDir()
	ext := plugin.ModuleExtension()
	writeFile(t, dir, "zeta"+ext, "fake")
	writeFile(t, dir, "zeta.yaml", "name: zeta\nversion: 1.0.0\n")
	writeFile(t, dir, "alpha"+ext, "fake")
	writeFile(t, dir, "alpha.yaml", "name: alpha\nversion: 2.0.0\ndependencies:\n  - name: zeta\n")
	writeFile(t, dir, "notes.txt", "ignored")

	t.Run("by name", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "--format", "json", "plugins", "scan", dir)
		require.NoError(t, err)
		var body struct {
			Plugins []pluginRow `json:"plugins"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		require.Len(t, body.Plugins, 2)
		assert.Equal(t, "alpha", body.Plugins[0].Name)
		assert.Equal(t, "zeta", body.Plugins[1].Name)
	})

	t.Run("load order", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "--format", "json", "plugins", "scan", "--order", dir)
		require.NoError(t, err)
		var body struct {
			Plugins []pluginRow `json:"plugins"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		require.Len(t, body.Plugins, 2)
		assert.Equal(t, "zeta", body.Plugins[0].Name)
		assert.Equal(t, "alpha", body.Plugins[1].Name)
	})

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "plugins", "scan", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "alpha")
	})

	t.Run("configured dirs", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "plugins", "scan")
		require.NoError(t, err)
		assert.Contains(t, out, "no plugins found")
	})

	t.Run("missing dir", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "plugins", "scan", filepath.Join(dir, "nope"))
		require.Error(t, err)
	})
}

func TestPluginsInit(t *testing.T) {
	t.Run("native", func(t *testing.T) {
		parent := t.TempDir()
		out, err := execute(t, "plugins", "init", "Weather Station", "--dir", parent)
		require.NoError(t, err)
		assert.Contains(t, out, "created native plugin")

		dir := filepath.Join(parent, "weather-station")
		src, err := os.ReadFile(filepath.Join(dir, "main.go"))
		require.NoError(t, err)
		assert.Contains(t, string(src), "func NewPlugin() plugin.Plugin")
		assert.Contains(t, string(src), "type WeatherStation struct")
		assert.Contains(t, string(src), `"Weather Station"`)

		manifest, err := plugin.LoadManifest(filepath.Join(dir, "weather-station.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "weather-station", manifest.Name)
		assert.Equal(t, []string{"action_provider"}, manifest.Capabilities)

		info, err := os.Stat(filepath.Join(dir, "build.sh"))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&0o100)
		build, err := os.ReadFile(filepath.Join(dir, "build.sh"))
		require.NoError(t, err)
		assert.Contains(t, string(build), "-buildmode=plugin -o weather-station.so")
	})

	t.Run("rpc", func(t *testing.T) {
		parent := t.TempDir()
		_, err := execute(t, "plugins", "init", "relay", "--runtime", "rpc", "--dir", parent)
		require.NoError(t, err)

		src, err := os.ReadFile(filepath.Join(parent, "relay", "main.go"))
		require.NoError(t, err)
		assert.Contains(t, string(src), "rpcutil.ServePlugin")
		manifest, err := plugin.LoadManifest(filepath.Join(parent, "relay", "relay.yaml"))
		require.NoError(t, err)
		assert.Equal(t, []string{"event_handler"}, manifest.Capabilities)
	})

	t.Run("rejects", func(t *testing.T) {
		parent := t.TempDir()
		_, err := execute(t, "plugins", "init", "9lives", "--dir", parent)
		assert.Error(t, err)
		_, err = execute(t, "plugins", "init", "ok", "--runtime", "wasm", "--dir", parent)
		assert.Error(t, err)

		require.NoError(t, os.Mkdir(filepath.Join(parent, "taken"), 0o755))
		_, err = execute(t, "plugins", "init", "taken", "--dir", parent)
		assert.Error(t, err)
	})
}

func TestMacroValidate(t *testing.T) {
	cfg := writeConfig(t)

	t.Run("all build", func(t *testing.T) {
		file := writeFile(t, t.TempDir(), "macros.yaml", testMacros)
		out, err := execute(t, "-c", cfg, "macro", "validate", file)
		require.NoError(t, err)
		assert.Contains(t, out, "ok   count (1 actions)")
		assert.Contains(t, out, "ok   remember (1 actions)")
	})

	t.Run("unknown action", func(t *testing.T) {
		bad := testMacros + `
- name: broken
  actions:
    - action: Nowhere/Missing
`
		file := writeFile(t, t.TempDir(), "macros.yaml", bad)
		out, err := execute(t, "-c", cfg, "--format", "json", "macro", "validate", file)
		require.Error(t, err)
		var body struct {
			Macros []macroSummary `json:"macros"`
			Errors string         `json:"errors"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &body))
		assert.Len(t, body.Macros, 2)
		assert.NotEmpty(t, body.Errors)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "macro", "validate", filepath.Join(t.TempDir(), "none.yaml"))
		require.Error(t, err)
	})
}

func TestMacroRun(t *testing.T) {
	cfg := writeConfig(t)
	file := writeFile(t, t.TempDir(), "macros.yaml", testMacros)

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "macro", "run", file, "count")
		require.NoError(t, err)
		assert.Contains(t, out, "count: completed")
		assert.Contains(t, out, "n = 5")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "-c", cfg, "--format", "json", "macro", "run", file, "remember")
		require.NoError(t, err)
		var snap struct {
			State string `json:"state"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &snap))
		assert.Equal(t, "completed", snap.State)
	})

	t.Run("unknown macro", func(t *testing.T) {
		_, err := execute(t, "-c", cfg, "macro", "run", file, "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `macro "nope" not found`)
	})
}
