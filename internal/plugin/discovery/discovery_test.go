package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// writePlugin creates a fake module file plus its manifest.
func writePlugin(t *testing.T, dir, name, version, deps string) {
	t.Helper()
	module := filepath.Join(dir, name+plugin.ModuleExtension())
	require.NoError(t, os.WriteFile(module, []byte("fake"), 0644))
	manifest := "name: " + name + "\nversion: " + version + "\n" + deps
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(manifest), 0644))
}

func scanned(t *testing.T, dir string) *Discovery {
	t.Helper()
	d := New(nil)
	require.NoError(t, d.AddDirectory(dir))
	_, err := d.ScanPlugins(context.Background())
	require.NoError(t, err)
	return d
}

func names(metas []*plugin.Metadata) []string {
	out := make([]string, len(metas))
	for i, m := range metas {
		out[i] = m.Info.Name
	}
	return out
}

func TestAddDirectory(t *testing.T) {
	d := New(nil)

	t.Run("missing path", func(t *testing.T) {
		err := d.AddDirectory(filepath.Join(t.TempDir(), "nope"))
		assert.True(t, errors.Is(err, apierrors.ErrInvalidArgument))
	})

	t.Run("file instead of dir", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, nil, 0644))
		assert.Error(t, d.AddDirectory(f))
	})

	t.Run("duplicates ignored", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, d.AddDirectory(dir))
		require.NoError(t, d.AddDirectory(dir))
		assert.Len(t, d.Directories(), 1)
	})
}

func TestScanPlugins(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "alpha", "1.0.0", "")
	// Module without manifest falls back to the file name.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bare"+plugin.ModuleExtension()), nil, 0644))
	// Broken manifest is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+plugin.ModuleExtension()), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [unclosed"), 0644))
	// Not a module at all.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), nil, 0644))

	d := New(nil)
	require.NoError(t, d.AddDirectory(dir))
	found, err := d.ScanPlugins(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "bare"}, names(found))
	bare, ok := d.Metadata(plugin.NameID("bare"))
	require.True(t, ok)
	assert.Equal(t, "0.0.0", bare.Info.Version)
}

func TestCalculateLoadOrder(t *testing.T) {
	t.Run("dependency first", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "b", "1.0.0", "dependencies:\n  - name: a\n")
		writePlugin(t, dir, "a", "1.0.0", "")
		writePlugin(t, dir, "c", "1.0.0", "dependencies:\n  - name: b\n  - name: a\n")

		d := scanned(t, dir)
		order, err := d.CalculateLoadOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names(order))
		assert.Len(t, d.LoadOrder(), 3)
	})

	t.Run("optional missing dependency ignored", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "solo", "1.0.0", "dependencies:\n  - name: ghost\n    optional: true\n")

		d := scanned(t, dir)
		order, err := d.CalculateLoadOrder()
		require.NoError(t, err)
		assert.Equal(t, []string{"solo"}, names(order))
	})

	t.Run("missing required dependency", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "needy", "1.0.0", "dependencies:\n  - name: ghost\n")

		d := scanned(t, dir)
		_, err := d.CalculateLoadOrder()
		assert.True(t, errors.Is(err, apierrors.ErrDependency))
	})

	t.Run("cycle keeps previous order", func(t *testing.T) {
		dir := t.TempDir()
		writePlugin(t, dir, "x", "1.0.0", "")
		d := scanned(t, dir)
		_, err := d.CalculateLoadOrder()
		require.NoError(t, err)
		before := d.LoadOrder()

		writePlugin(t, dir, "x", "1.0.0", "dependencies:\n  - name: y\n")
		writePlugin(t, dir, "y", "1.0.0", "dependencies:\n  - name: x\n")
		_, err = d.ScanPlugins(context.Background())
		require.NoError(t, err)

		_, err = d.CalculateLoadOrder()
		require.Error(t, err)
		assert.True(t, errors.Is(err, apierrors.ErrDependency))
		assert.Contains(t, err.Error(), "circular dependency")
		assert.Equal(t, before, d.LoadOrder())
	})
}

func TestValidateDependencies(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "a", "1.4.2", "")
	d := scanned(t, dir)

	tests := []struct {
		name    string
		deps    []plugin.Dependency
		wantErr bool
	}{
		{"present", []plugin.Dependency{{Name: "a"}}, false},
		{"missing required", []plugin.Dependency{{Name: "zzz"}}, true},
		{"missing optional", []plugin.Dependency{{Name: "zzz", Optional: true}}, false},
		{"version ok", []plugin.Dependency{{Name: "a", VersionReq: ">=1.0.0, <2.0.0"}}, false},
		{"version too new", []plugin.Dependency{{Name: "a", VersionReq: "<1.4"}}, true},
		{"version optional mismatch", []plugin.Dependency{{Name: "a", VersionReq: "^2.0", Optional: true}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &plugin.Metadata{Info: plugin.Info{Name: "b"}, Dependencies: tt.deps}
			err := d.ValidateDependencies(meta)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apierrors.ErrDependency), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
