package loader

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestIsolatedEnv(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv("MACROHOST_SECRET", "hunter2")
	t.Setenv("MACROHOST_REGION", "eu")
	t.Setenv("TZ", "UTC")

	env := envMap(isolatedEnv("relay", []string{"MACROHOST_REGION", "HOME", " ", "UNSET_VAR"}))

	assert.Equal(t, "/usr/local/bin:/usr/bin:/bin", env["PATH"])
	assert.Equal(t, "eu", env["MACROHOST_REGION"])
	assert.Equal(t, "UTC", env["TZ"])
	assert.NotContains(t, env, "MACROHOST_SECRET")
	assert.NotContains(t, env, "UNSET_VAR")
	assert.Equal(t, "macrohost-plugin-relay", filepath.Base(env["HOME"]))
	assert.Equal(t, env["HOME"], env["TMPDIR"])
	assert.DirExists(t, env["HOME"])
}

func TestIsolate(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	cmd := exec.Command("true")
	isolate(cmd, "relay", nil)
	assert.NotEmpty(t, cmd.Env)
	assert.Equal(t, procAttr(), cmd.SysProcAttr)
}
