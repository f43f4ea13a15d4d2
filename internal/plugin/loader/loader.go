package loader

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// LoadedPlugin is a plugin instance together with the module it came from.
// The instance is only reachable through Read and Write so that a reload can
// swap it out atomically.
type LoadedPlugin struct {
	ID   uuid.UUID
	Path string

	mu       sync.RWMutex
	instance plugin.Plugin
	module   Module
	loadedAt time.Time
}

// Read runs fn with shared access to the instance.
func (lp *LoadedPlugin) Read(fn func(plugin.Plugin) error) error {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	if lp.instance == nil {
		return apierrors.New(apierrors.CodeNotFound, "loader.Read", "plugin %s is unloaded", lp.ID)
	}
	return fn(lp.instance)
}

// Write runs fn with exclusive access to the instance.
func (lp *LoadedPlugin) Write(fn func(plugin.Plugin) error) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.instance == nil {
		return apierrors.New(apierrors.CodeNotFound, "loader.Write", "plugin %s is unloaded", lp.ID)
	}
	return fn(lp.instance)
}

// Info returns the instance metadata.
func (lp *LoadedPlugin) Info() plugin.Info {
	var info plugin.Info
	_ = lp.Read(func(p plugin.Plugin) error {
		info = p.Info()
		return nil
	})
	return info
}

// LoadedAt is when the current instance was loaded.
func (lp *LoadedPlugin) LoadedAt() time.Time {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.loadedAt
}

// release stops the instance if needed and closes its module.
func (lp *LoadedPlugin) release(ctx context.Context) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.instance == nil {
		return nil
	}
	var errs []error
	if lp.instance.State() == plugin.StateRunning {
		errs = append(errs, lp.instance.Stop(ctx))
	}
	lp.instance = nil
	if lp.module != nil {
		errs = append(errs, lp.module.Close())
		lp.module = nil
	}
	return errors.Join(errs...)
}

// Loader opens plugin modules, tracks the loaded instances and hot-reloads
// them when their files change.
type Loader struct {
	pluginDir string
	logger    *slog.Logger
	openers   map[string]Opener
	verifier  Verifier
	debounceD time.Duration

	mu        sync.RWMutex
	plugins   map[uuid.UUID]*LoadedPlugin
	pending   map[string]bool
	filter    func(uuid.UUID) bool
	listeners []func(uuid.UUID)

	// Hot reload
	watcher     *fsnotify.Watcher
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchMu     sync.Mutex
	debounce    map[string]*time.Timer // Debounce rapid file changes
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOpener registers the opener used for files with extension ext.
func WithOpener(ext string, o Opener) LoaderOption {
	return func(l *Loader) {
		l.openers[strings.ToLower(ext)] = o
	}
}

// Verifier checks a module file before it is opened.
type Verifier interface {
	Verify(path string) error
}

// WithVerifier makes every load and reload pass v first.
func WithVerifier(v Verifier) LoaderOption {
	return func(l *Loader) {
		l.verifier = v
	}
}

// WithDebounce sets how long file events settle before a reload.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.debounceD = d
	}
}

// NewLoader creates a plugin loader for the given directory. Native modules
// and RPC executables are supported out of the box.
func NewLoader(pluginDir string, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		pluginDir: pluginDir,
		logger:    logger,
		debounceD: 500 * time.Millisecond,
		openers: map[string]Opener{
			plugin.ModuleExtension(): NativeOpener{},
			plugin.RPCExtension:      RPCOpener{},
		},
		plugins:  make(map[uuid.UUID]*LoadedPlugin),
		pending:  make(map[string]bool),
		debounce: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the managed plugin directory.
func (l *Loader) Dir() string { return l.pluginDir }

// Extensions returns the file extensions the loader can open.
func (l *Loader) Extensions() []string {
	exts := make([]string, 0, len(l.openers))
	for ext := range l.openers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// LoadPlugin opens the module at path, instantiates and initializes the
// plugin and registers it. A path or plugin id that is already loaded is
// rejected and the existing entry is kept.
func (l *Loader) LoadPlugin(ctx context.Context, path string) (*LoadedPlugin, error) {
	const op = "loader.LoadPlugin"

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, op, err)
	}

	l.mu.Lock()
	if l.pending[abs] || l.pathLoadedLocked(abs) {
		l.mu.Unlock()
		return nil, apierrors.New(apierrors.CodeAlreadyExists, op, "plugin at %s is already loaded", abs)
	}
	l.pending[abs] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, abs)
		l.mu.Unlock()
	}()

	mod, inst, err := l.open(ctx, abs)
	if err != nil {
		return nil, err
	}
	return l.register(ctx, abs, mod, inst)
}

// BuiltinPrefix marks the path of plugins compiled into the host.
const BuiltinPrefix = "builtin:"

// LoadBuiltin registers a plugin compiled into the host binary. Its path is
// BuiltinPrefix+name and it cannot be reloaded from disk.
func (l *Loader) LoadBuiltin(ctx context.Context, name string, f plugin.Factory) (*LoadedPlugin, error) {
	path := BuiltinPrefix + name
	l.mu.Lock()
	if l.pathLoadedLocked(path) {
		l.mu.Unlock()
		return nil, apierrors.New(apierrors.CodeAlreadyExists, "loader.LoadBuiltin", "builtin %q is already loaded", name)
	}
	l.mu.Unlock()

	mod := FactoryModule(path, f)
	inst, err := mod.Instantiate()
	if err != nil {
		return nil, err
	}
	return l.register(ctx, path, mod, inst)
}

// register initializes inst and records it under its id.
func (l *Loader) register(ctx context.Context, path string, mod Module, inst plugin.Plugin) (*LoadedPlugin, error) {
	const op = "loader.LoadPlugin"

	if err := inst.Initialize(ctx); err != nil {
		mod.Close()
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "initialize %s", path)
	}

	info := inst.Info()
	lp := &LoadedPlugin{
		ID:       info.ID,
		Path:     path,
		instance: inst,
		module:   mod,
		loadedAt: time.Now(),
	}

	l.mu.Lock()
	if existing, dup := l.plugins[info.ID]; dup {
		l.mu.Unlock()
		mod.Close()
		return nil, apierrors.New(apierrors.CodeAlreadyExists, op,
			"plugin %q (%s) is already loaded from %s", info.Name, info.ID, existing.Path)
	}
	l.plugins[info.ID] = lp
	l.mu.Unlock()

	l.logger.Info("🔌 plugin loaded", "name", info.Name, "version", info.Version, "id", info.ID, "path", path)
	return lp, nil
}

// open opens and instantiates the module at path without registering it.
func (l *Loader) open(ctx context.Context, path string) (Module, plugin.Plugin, error) {
	const op = "loader.LoadPlugin"

	opener, ok := l.openers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, nil, apierrors.New(apierrors.CodeLoader, op, "unsupported module type: %s", filepath.Base(path))
	}
	if l.verifier != nil {
		if err := l.verifier.Verify(path); err != nil {
			return nil, nil, apierrors.Rekind(err, op, apierrors.CodeLoader, apierrors.CodeLoader)
		}
	}
	mod, err := opener.Open(ctx, path)
	if err != nil {
		return nil, nil, apierrors.Rekind(err, op, apierrors.CodeLoader, apierrors.CodeLoader)
	}
	inst, err := mod.Instantiate()
	if err != nil {
		mod.Close()
		return nil, nil, apierrors.Rekind(err, op, apierrors.CodeLoader, apierrors.CodeLoader)
	}
	return mod, inst, nil
}

func (l *Loader) pathLoadedLocked(path string) bool {
	for _, lp := range l.plugins {
		if lp.Path == path {
			return true
		}
	}
	return false
}

// UnloadPlugin stops the plugin if it is running, drops it and closes its module.
func (l *Loader) UnloadPlugin(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	lp, ok := l.plugins[id]
	delete(l.plugins, id)
	l.mu.Unlock()
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, "loader.UnloadPlugin", "plugin %s not loaded", id)
	}

	if err := lp.release(ctx); err != nil {
		l.logger.Warn("plugin unload was not clean", "id", id, "error", err)
		return apierrors.Wrap(apierrors.CodeLoader, "loader.UnloadPlugin", err)
	}
	l.logger.Info("plugin unloaded", "id", id, "path", lp.Path)
	return nil
}

// UnloadAll unloads every plugin and returns the joined failures.
func (l *Loader) UnloadAll(ctx context.Context) error {
	l.mu.Lock()
	all := l.plugins
	l.plugins = make(map[uuid.UUID]*LoadedPlugin)
	l.mu.Unlock()

	var errs []error
	for id, lp := range all {
		if err := lp.release(ctx); err != nil {
			errs = append(errs, apierrors.Wrapf(apierrors.CodeLoader, "loader.UnloadAll", err, "plugin %s", id))
		}
	}
	return errors.Join(errs...)
}

// Plugin returns a loaded plugin by id.
func (l *Loader) Plugin(id uuid.UUID) (*LoadedPlugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.plugins[id]
	return lp, ok
}

// PluginByPath returns the plugin loaded from path.
func (l *Loader) PluginByPath(path string) (*LoadedPlugin, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lp := range l.plugins {
		if lp.Path == abs {
			return lp, true
		}
	}
	return nil, false
}

// Plugins returns all loaded plugins ordered by path.
func (l *Loader) Plugins() []*LoadedPlugin {
	l.mu.RLock()
	out := make([]*LoadedPlugin, 0, len(l.plugins))
	for _, lp := range l.plugins {
		out = append(out, lp)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// OnReload registers fn to be called after every successful reload.
func (l *Loader) OnReload(fn func(id uuid.UUID)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// SetReloadFilter restricts watcher-triggered reloads to plugins for which
// allow returns true. A nil filter allows all.
func (l *Loader) SetReloadFilter(allow func(id uuid.UUID) bool) {
	l.mu.Lock()
	l.filter = allow
	l.mu.Unlock()
}

// ReloadPluginByID replaces a plugin with a fresh instance loaded from the
// same path, carrying its configuration over.
//
// The old instance stays registered until the new one has been opened,
// initialized and configured. If any of that fails, or the new instance
// cannot start, the old instance is left in place (restarted if it was
// running) and the error is returned.
func (l *Loader) ReloadPluginByID(ctx context.Context, id uuid.UUID) error {
	const op = "loader.ReloadPluginByID"

	lp, ok := l.Plugin(id)
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, op, "plugin %s not loaded", id)
	}

	var oldModule Module
	err := lp.Write(func(old plugin.Plugin) error {
		cfg, hasCfg := old.Config()
		wasRunning := old.State() == plugin.StateRunning

		mod, inst, err := l.open(ctx, lp.Path)
		if err != nil {
			return err
		}
		abort := func(err error) error {
			mod.Close()
			return err
		}

		if err := inst.Initialize(ctx); err != nil {
			return abort(apierrors.Wrapf(apierrors.CodeLoader, op, err, "initialize %s", lp.Path))
		}
		if got := inst.Info().ID; got != id {
			return abort(apierrors.New(apierrors.CodeLoader, op, "reloaded module has id %s, want %s", got, id))
		}
		if hasCfg {
			if err := inst.UpdateConfig(ctx, cfg); err != nil {
				return abort(apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "restore config"))
			}
		}

		if wasRunning {
			if err := old.Stop(ctx); err != nil {
				return abort(apierrors.Wrapf(apierrors.CodeLoader, op, err, "stop previous instance"))
			}
			if err := inst.Start(ctx); err != nil {
				if rerr := old.Start(ctx); rerr != nil {
					l.logger.Error("previous instance did not restart", "id", id, "error", rerr)
				}
				return abort(apierrors.Wrapf(apierrors.CodeLoader, op, err, "start new instance"))
			}
		}

		oldModule = lp.module
		lp.instance = inst
		lp.module = mod
		lp.loadedAt = time.Now()
		return nil
	})
	if err != nil {
		l.logger.Error("plugin reload failed, keeping previous instance", "id", id, "path", lp.Path, "error", err)
		return err
	}

	if oldModule != nil {
		if err := oldModule.Close(); err != nil {
			l.logger.Warn("closing previous module", "id", id, "error", err)
		}
	}

	l.mu.RLock()
	listeners := append([]func(uuid.UUID){}, l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}

	l.logger.Info("✅ plugin reloaded", "id", id, "path", lp.Path)
	return nil
}
