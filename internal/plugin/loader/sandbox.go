package loader

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// isolatedEnv builds the environment of an isolated plugin process. Only PATH,
// TZ and the variables named in pass are inherited from the host. HOME and
// TMPDIR point at a private directory per plugin.
func isolatedEnv(name string, pass []string) []string {
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

	tmp := filepath.Join(os.TempDir(), "macrohost-plugin-"+name)
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		tmp = os.TempDir()
	}
	env = append(env, "HOME="+tmp, "TMPDIR="+tmp)

	for _, key := range append([]string{"TZ"}, pass...) {
		key = strings.TrimSpace(key)
		if key == "" || key == "PATH" || key == "HOME" || key == "TMPDIR" {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// isolate restricts cmd to the isolated environment and applies the
// platform's process attributes.
func isolate(cmd *exec.Cmd, name string, pass []string) {
	cmd.Env = isolatedEnv(name, pass)
	cmd.SysProcAttr = procAttr()
}
