// Package discovery finds plugin modules on disk, reads their manifests and
// orders them so that every plugin loads after its dependencies.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Discovery scans plugin directories. It is safe for concurrent use.
type Discovery struct {
	logger     *slog.Logger
	extensions []string

	mu      sync.RWMutex
	dirs    []string
	plugins map[uuid.UUID]*plugin.Metadata
	order   []uuid.UUID // last successful load order
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithExtensions overrides the module extensions that are scanned.
func WithExtensions(exts ...string) Option {
	return func(d *Discovery) {
		d.extensions = exts
	}
}

// New creates an empty Discovery.
func New(logger *slog.Logger, opts ...Option) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{
		logger:     logger,
		extensions: []string{plugin.ModuleExtension(), plugin.RPCExtension},
		plugins:    make(map[uuid.UUID]*plugin.Metadata),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddDirectory registers a directory to scan. It must exist.
func (d *Discovery) AddDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return apierrors.New(apierrors.CodeInvalidArgument, "discovery.AddDirectory", "invalid plugin path %q", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidArgument, "discovery.AddDirectory", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.dirs, abs) {
		d.dirs = append(d.dirs, abs)
	}
	return nil
}

// Directories returns the registered directories.
func (d *Discovery) Directories() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.dirs)
}

// ScanPlugins reads metadata for every module file in the registered
// directories. Files that fail are logged and skipped. The result replaces
// what was previously discovered and is sorted by name.
func (d *Discovery) ScanPlugins(ctx context.Context) ([]*plugin.Metadata, error) {
	dirs := d.Directories()
	found := make(map[uuid.UUID]*plugin.Metadata)

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				d.logger.Warn("skipping unreadable path", "path", path, "error", err)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if entry.IsDir() || !d.isModule(path) {
				return nil
			}

			meta, err := ReadMetadata(path)
			if err != nil {
				d.logger.Warn("skipping plugin with bad metadata", "path", path, "error", err)
				return nil
			}
			if prev, dup := found[meta.Info.ID]; dup {
				d.logger.Warn("duplicate plugin id, keeping first",
					"id", meta.Info.ID, "kept", prev.Path, "skipped", path)
				return nil
			}
			found[meta.Info.ID] = meta
			d.logger.Debug("discovered plugin", "name", meta.Info.Name, "version", meta.Info.Version, "path", path)
			return nil
		})
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeLoader, "discovery.ScanPlugins", err)
		}
	}

	d.mu.Lock()
	d.plugins = found
	d.mu.Unlock()

	return sortedByName(found), nil
}

// Discovered returns the last scan result sorted by name.
func (d *Discovery) Discovered() []*plugin.Metadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedByName(d.plugins)
}

// Metadata returns discovered metadata by plugin id.
func (d *Discovery) Metadata(id uuid.UUID) (*plugin.Metadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.plugins[id]
	return m, ok
}

// MetadataByPath returns discovered metadata for a module path.
func (d *Discovery) MetadataByPath(path string) (*plugin.Metadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.plugins {
		if m.Path == path {
			return m, true
		}
	}
	return nil, false
}

// Register adds metadata obtained elsewhere, such as from a module loaded by path.
func (d *Discovery) Register(meta *plugin.Metadata) {
	d.mu.Lock()
	d.plugins[meta.Info.ID] = meta
	d.mu.Unlock()
}

// LoadOrder returns the last successfully calculated order.
func (d *Discovery) LoadOrder() []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

// CalculateLoadOrder topologically sorts the discovered plugins so that every
// dependency precedes its dependents. Ties are broken by name. A missing
// required dependency or a cycle fails with a dependency error and leaves the
// previous order untouched.
func (d *Discovery) CalculateLoadOrder() ([]*plugin.Metadata, error) {
	const op = "discovery.CalculateLoadOrder"

	d.mu.RLock()
	byName := make(map[string]*plugin.Metadata, len(d.plugins))
	for _, m := range d.plugins {
		byName[m.Info.Name] = m
	}
	// edges: dependency -> dependents
	dependents := make(map[uuid.UUID][]*plugin.Metadata)
	inDegree := make(map[uuid.UUID]int, len(d.plugins))
	for _, m := range d.plugins {
		for _, dep := range m.Dependencies {
			target, ok := byName[dep.Name]
			if !ok {
				if dep.Optional {
					continue
				}
				d.mu.RUnlock()
				return nil, apierrors.New(apierrors.CodeDependency, op,
					"plugin %q requires missing plugin %q", m.Info.Name, dep.Name)
			}
			dependents[target.Info.ID] = append(dependents[target.Info.ID], m)
			inDegree[m.Info.ID]++
		}
	}
	total := len(d.plugins)
	var ready []*plugin.Metadata
	for _, m := range d.plugins {
		if inDegree[m.Info.ID] == 0 {
			ready = append(ready, m)
		}
	}
	d.mu.RUnlock()

	ordered := make([]*plugin.Metadata, 0, total)
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Info.Name < ready[j].Info.Name })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, dep := range dependents[next.Info.ID] {
			inDegree[dep.Info.ID]--
			if inDegree[dep.Info.ID] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != total {
		var stuck []string
		for id, n := range inDegree {
			if n > 0 {
				if m, ok := d.Metadata(id); ok {
					stuck = append(stuck, m.Info.Name)
				}
			}
		}
		sort.Strings(stuck)
		return nil, apierrors.New(apierrors.CodeDependency, op,
			"circular dependency detected among: %s", strings.Join(stuck, ", "))
	}

	ids := make([]uuid.UUID, len(ordered))
	for i, m := range ordered {
		ids[i] = m.Info.ID
	}
	d.mu.Lock()
	d.order = ids
	d.mu.Unlock()

	return ordered, nil
}

// ValidateDependencies checks meta's dependencies against the discovered
// plugins. Missing or version-incompatible required dependencies fail;
// optional ones only log.
func (d *Discovery) ValidateDependencies(meta *plugin.Metadata) error {
	const op = "discovery.ValidateDependencies"

	d.mu.RLock()
	byName := make(map[string]*plugin.Metadata, len(d.plugins))
	for _, m := range d.plugins {
		byName[m.Info.Name] = m
	}
	d.mu.RUnlock()

	var errs []error
	for _, dep := range meta.Dependencies {
		target, ok := byName[dep.Name]
		if !ok {
			if !dep.Optional {
				errs = append(errs, fmt.Errorf("required plugin %q not found", dep.Name))
			}
			continue
		}
		match, err := satisfies(target.Info.Version, dep.VersionReq)
		if err == nil && match {
			continue
		}
		if err == nil {
			err = fmt.Errorf("plugin %q version %s does not satisfy %q", dep.Name, target.Info.Version, dep.VersionReq)
		}
		if dep.Optional {
			d.logger.Warn("optional dependency unusable", "plugin", meta.Info.Name, "dependency", dep.Name, "error", err)
			continue
		}
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return apierrors.Wrapf(apierrors.CodeDependency, op, errors.Join(errs...), "plugin %q", meta.Info.Name)
	}
	return nil
}

func (d *Discovery) isModule(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.Contains(d.extensions, ext)
}

// ReadMetadata loads the sidecar manifest of the module at path, or derives
// minimal metadata from the file name when there is none.
func ReadMetadata(path string) (*plugin.Metadata, error) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range []string{".yaml", ".yml"} {
		manifestPath := base + ext
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		m, err := plugin.LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		return m.Metadata(path)
	}

	name := filepath.Base(base)
	return &plugin.Metadata{
		Info: plugin.Info{
			ID:      plugin.NameID(name),
			Name:    name,
			Version: "0.0.0",
		},
		Path: path,
	}, nil
}

func sortedByName(m map[uuid.UUID]*plugin.Metadata) []*plugin.Metadata {
	out := make([]*plugin.Metadata, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}
