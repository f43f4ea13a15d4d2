// Package packaging bundles a plugin module with its manifest and signature
// into a ZIP archive and installs such archives into a plugin directory.
//
// An archive is flat: <name>.yaml, the module file <name><ext> and
// optionally <name><ext>.sig. Anything else is rejected on install.
package packaging

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/plugin/signing"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 512 << 20

// Package describes a plugin archive.
type Package struct {
	Manifest *plugin.Manifest
	// Module is the module file name inside the archive.
	Module string
	Signed bool
}

func (p *Package) manifestName() string { return p.Manifest.Name + ".yaml" }

func (p *Package) allowed(name string) bool {
	return name == p.manifestName() || name == p.Module || name == signing.SignaturePath(p.Module)
}

// Pack writes the plugin in dir to out. dir must hold one manifest and the
// module next to it, with a module extension from exts.
func Pack(dir, out string, exts []string) (*Package, error) {
	const op = "packaging.Pack"
	pkg, err := scanDir(dir, exts)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
	}

	f, err := os.Create(out)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
	}
	zw := zip.NewWriter(f)
	files := []string{pkg.manifestName(), pkg.Module}
	if pkg.Signed {
		files = append(files, signing.SignaturePath(pkg.Module))
	}
	for _, name := range files {
		if err := addFile(zw, filepath.Join(dir, name), name); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return nil, apierrors.Wrapf(apierrors.CodeInternalError, op, err, "add %s", name)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return nil, apierrors.Wrap(apierrors.CodeInternalError, op, err)
	}
	if err := f.Close(); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternalError, op, err)
	}
	return pkg, nil
}

func scanDir(dir string, exts []string) (*Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(exts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		m, err := plugin.LoadManifest(filepath.Join(dir, base+".yaml"))
		if err != nil {
			continue
		}
		if m.Name != base {
			return nil, fmt.Errorf("manifest name %q does not match module %s", m.Name, e.Name())
		}
		pkg := &Package{Manifest: m, Module: e.Name()}
		if _, err := os.Stat(filepath.Join(dir, signing.SignaturePath(e.Name()))); err == nil {
			pkg.Signed = true
		}
		return pkg, nil
	}
	return nil, fmt.Errorf("no module with a manifest in %s", dir)
}

// Inspect validates an archive without extracting it.
func Inspect(path string, exts []string) (*Package, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "packaging.Inspect", err)
	}
	defer zr.Close()
	return inspect(&zr.Reader, exts)
}

func inspect(zr *zip.Reader, exts []string) (*Package, error) {
	const op = "packaging.Inspect"
	var manifest *plugin.Manifest
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".yaml") || strings.ContainsAny(f.Name, `/\`) {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
		}
		if manifest, err = plugin.ParseManifest(f.Name, data); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
		}
		break
	}
	if manifest == nil {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, op, "archive has no manifest")
	}
	if strings.ContainsAny(manifest.Name, `/\`) || strings.HasPrefix(manifest.Name, ".") {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, op, "invalid plugin name %q", manifest.Name)
	}

	pkg := &Package{Manifest: manifest}
	for _, f := range zr.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) == manifest.Name && slices.Contains(exts, ext) {
			pkg.Module = f.Name
		}
	}
	if pkg.Module == "" {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, op, "archive has no module for %q", manifest.Name)
	}
	for _, f := range zr.File {
		if !pkg.allowed(f.Name) {
			return nil, apierrors.New(apierrors.CodeInvalidArgument, op, "unexpected archive entry %q", f.Name)
		}
		if f.Name == signing.SignaturePath(pkg.Module) {
			pkg.Signed = true
		}
	}
	return pkg, nil
}

// Install extracts the archive into pluginDir/<name>/ and returns the
// installed module path. An existing installation is replaced only when
// replace is set. The module is written last so a watching loader sees
// the manifest and signature first.
func Install(path, pluginDir string, exts []string, replace bool) (string, *Package, error) {
	const op = "packaging.Install"
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
	}
	defer zr.Close()

	pkg, err := inspect(&zr.Reader, exts)
	if err != nil {
		return "", nil, err
	}

	dest := filepath.Join(pluginDir, pkg.Manifest.Name)
	if _, err := os.Stat(dest); err == nil && !replace {
		return "", nil, apierrors.New(apierrors.CodeAlreadyExists, op, "plugin %q is already installed", pkg.Manifest.Name)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", nil, apierrors.Wrap(apierrors.CodeInternalError, op, err)
	}

	files := slices.Clone(zr.File)
	slices.SortStableFunc(files, func(a, b *zip.File) int {
		switch {
		case a.Name == pkg.Module:
			return 1
		case b.Name == pkg.Module:
			return -1
		}
		return 0
	})
	for _, f := range files {
		mode := os.FileMode(0o644)
		if f.Name == pkg.Module {
			mode = 0o755
		}
		if err := extract(f, filepath.Join(dest, f.Name), mode); err != nil {
			return "", nil, apierrors.Wrapf(apierrors.CodeInternalError, op, err, "extract %s", f.Name)
		}
	}
	return filepath.Join(dest, pkg.Module), pkg, nil
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}

// extract writes through a temp file and renames it into place.
func extract(f *zip.File, dest string, mode os.FileMode) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".install-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, io.LimitReader(rc, maxEntrySize)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
