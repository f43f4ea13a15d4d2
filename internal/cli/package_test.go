package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/plugin/signing"
	"github.com/goatkit/macrohost/pkg/plugin"
)

func TestPluginsSignPackInstall(t *testing.T) {
	cfg := writeConfig(t)
	work := t.TempDir()
	ext := plugin.ModuleExtension()
	module := writeFile(t, work, "echo"+ext, "module bytes")
	writeFile(t, work, "echo.yaml", "name: echo\nversion: 0.3.0\n")
	keyFile := filepath.Join(t.TempDir(), "signing.key")

	out, err := execute(t, "--format", "json", "plugins", "keygen", "--out", keyFile)
	require.NoError(t, err)
	var keys map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.NotEmpty(t, keys["public_key"])
	assert.FileExists(t, keyFile)

	out, err = execute(t, "plugins", "sign", "--key", keyFile, module)
	require.NoError(t, err)
	assert.Contains(t, out, signing.SignaturePath(module))

	ring, err := signing.NewKeyring(true, keys["public_key"])
	require.NoError(t, err)
	require.NoError(t, ring.Verify(module))

	archive := filepath.Join(t.TempDir(), "echo.zip")
	out, err = execute(t, "--format", "json", "plugins", "pack", "-o", archive, work)
	require.NoError(t, err)
	var packed packageRow
	require.NoError(t, json.Unmarshal([]byte(out), &packed))
	assert.Equal(t, "echo", packed.Name)
	assert.True(t, packed.Signed)

	dest := t.TempDir()
	out, err = execute(t, "-c", cfg, "plugins", "install", "--dir", dest, archive)
	require.NoError(t, err)
	installed := filepath.Join(dest, "echo", "echo"+ext)
	assert.Contains(t, out, "installed echo 0.3.0 to "+installed)
	require.NoError(t, ring.Verify(installed))

	_, err = execute(t, "-c", cfg, "plugins", "install", "--dir", dest, archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")

	_, err = execute(t, "-c", cfg, "plugins", "install", "--dir", dest, "--replace", archive)
	require.NoError(t, err)

	out, err = execute(t, "-c", cfg, "plugins", "scan", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "echo")
}

func TestPluginsSignMissingKey(t *testing.T) {
	module := writeFile(t, t.TempDir(), "echo.so", "x")
	_, err := execute(t, "plugins", "sign", "--key", filepath.Join(t.TempDir(), "none.key"), module)
	assert.Error(t, err)
}
