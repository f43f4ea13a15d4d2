package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/metrics"
	"github.com/goatkit/macrohost/internal/plugin/discovery"
	"github.com/goatkit/macrohost/internal/plugin/loader"
	"github.com/goatkit/macrohost/pkg/action"
	pkgplugin "github.com/goatkit/macrohost/pkg/plugin"
)

// ConfigStore persists plugin configuration snapshots.
type ConfigStore interface {
	SavePluginConfig(ctx context.Context, id uuid.UUID, name string, cfg Config) error
	LoadPluginConfig(ctx context.Context, id uuid.UUID) (Config, bool, error)
}

// ChangeKind names what happened to a plugin.
type ChangeKind string

const (
	ChangeLoaded   ChangeKind = "loaded"
	ChangeUnloaded ChangeKind = "unloaded"
	ChangeStarted  ChangeKind = "started"
	ChangeStopped  ChangeKind = "stopped"
	ChangeReloaded ChangeKind = "reloaded"
	ChangeConfig   ChangeKind = "config"
)

// Change is delivered to registry subscribers.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
	Name string     `json:"name"`
}

// Status is the registry view of one loaded plugin.
type Status struct {
	Info      Info          `json:"info"`
	Path      string        `json:"path"`
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	HotReload bool          `json:"hot_reload"`
	LoadedAt  time.Time     `json:"loaded_at"`
	Dispatch  StatsSnapshot `json:"dispatch"`
}

// Registry owns the loaded plugins together with their configuration
// snapshots and hot-reload settings.
type Registry struct {
	loader    *loader.Loader
	discovery *discovery.Discovery
	logger    *slog.Logger
	store     ConfigStore
	logs      *LogBuffer
	broker    *SSEBroker
	guard     *DispatchGuard
	metrics   *metrics.PluginMetrics

	mu          sync.RWMutex
	configs     map[uuid.UUID]Config
	hotReload   map[uuid.UUID]bool
	schemas     map[uuid.UUID]*configSchema
	subscribers []func(Change)
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfigStore persists configuration snapshots and restores them on load.
func WithConfigStore(s ConfigStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogBuffer records lifecycle messages per plugin.
func WithLogBuffer(b *LogBuffer) Option {
	return func(r *Registry) { r.logs = b }
}

// WithBroker publishes changes as SSE notices.
func WithBroker(b *SSEBroker) Option {
	return func(r *Registry) { r.broker = b }
}

// WithDispatchLimit caps events delivered to a single plugin per second.
func WithDispatchLimit(perSecond int) Option {
	return func(r *Registry) { r.guard = NewDispatchGuard(perSecond) }
}

// NewRegistry creates a registry on top of l and d. The loader's reload
// filter is bound to the registry's hot-reload settings.
func NewRegistry(l *loader.Loader, d *discovery.Discovery, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loader:    l,
		discovery: d,
		logger:    logger,
		logs:      NewLogBuffer(0),
		guard:     NewDispatchGuard(0),
		metrics:   metrics.Plugins(),
		configs:   make(map[uuid.UUID]Config),
		hotReload: make(map[uuid.UUID]bool),
		schemas:   make(map[uuid.UUID]*configSchema),
	}
	for _, opt := range opts {
		opt(r)
	}
	l.SetReloadFilter(r.HotReloadEnabled)
	l.OnReload(r.afterReload)
	return r
}

// Logs returns the plugin log buffer.
func (r *Registry) Logs() *LogBuffer { return r.logs }

// Broker returns the SSE broker, if any.
func (r *Registry) Broker() *SSEBroker { return r.broker }

// Subscribe registers fn for every change. fn runs synchronously on the
// goroutine that made the change and must not call back into mutating
// registry methods.
func (r *Registry) Subscribe(fn func(Change)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(kind ChangeKind, id uuid.UUID, name string) {
	c := Change{Kind: kind, ID: id, Name: name}
	r.mu.RLock()
	subs := append([]func(Change){}, r.subscribers...)
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
	if r.broker != nil {
		r.broker.PublishJSON(name, kind, c)
	}
	r.logs.Log(name, "info", "plugin "+string(kind), map[string]any{"id": id.String()})
}

// LoadAll replaces the registry contents with every plugin found in the
// loader's directory, loaded in dependency order. A failing plugin does not
// stop the batch; the failures are returned joined. Plugins whose required
// dependency failed are skipped.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	const op = "registry.LoadAll"

	if err := r.UnloadAll(ctx); err != nil {
		r.logger.Warn("unclean unload before LoadAll", "error", err)
	}

	dir := r.loader.Dir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.logger.Info("plugin directory does not exist, creating", "path", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, apierrors.Wrapf(apierrors.CodeLoader, op, err, "create plugin dir")
		}
	}
	if err := r.discovery.AddDirectory(dir); err != nil {
		return 0, apierrors.Rekind(err, op, apierrors.CodeLoader, apierrors.CodeInvalidArgument)
	}
	if _, err := r.discovery.ScanPlugins(ctx); err != nil {
		return 0, apierrors.Rekind(err, op, apierrors.CodeLoader)
	}
	order, err := r.discovery.CalculateLoadOrder()
	if err != nil {
		return 0, apierrors.Rekind(err, op, apierrors.CodeDependency, apierrors.CodeDependency)
	}

	var errs []error
	failed := make(map[string]bool)
	loaded := 0
	for _, meta := range order {
		if dep := failedDependency(meta, failed); dep != "" {
			failed[meta.Info.Name] = true
			errs = append(errs, apierrors.New(apierrors.CodeDependency, op,
				"plugin %q skipped: dependency %q failed to load", meta.Info.Name, dep))
			continue
		}
		if err := r.discovery.ValidateDependencies(meta); err != nil {
			failed[meta.Info.Name] = true
			errs = append(errs, err)
			continue
		}
		if _, err := r.load(ctx, meta.Path, meta); err != nil {
			failed[meta.Info.Name] = true
			errs = append(errs, err)
			continue
		}
		loaded++
	}

	r.logger.Info("plugins loaded", "loaded", loaded, "failed", len(errs))
	return loaded, errors.Join(errs...)
}

func failedDependency(meta *Metadata, failed map[string]bool) string {
	for _, d := range meta.Dependencies {
		if !d.Optional && failed[d.Name] {
			return d.Name
		}
	}
	return ""
}

// UnloadAll stops and drops every plugin and clears all snapshots.
func (r *Registry) UnloadAll(ctx context.Context) error {
	plugins := r.loader.Plugins()
	names := make([]string, len(plugins))
	for i, lp := range plugins {
		names[i] = lp.Info().Name
	}
	err := r.loader.UnloadAll(ctx)

	r.mu.Lock()
	clear(r.configs)
	clear(r.hotReload)
	clear(r.schemas)
	r.mu.Unlock()

	for i, lp := range plugins {
		r.guard.Forget(lp.ID)
		apierrors.Registry.DropNamespace(names[i])
		r.notify(ChangeUnloaded, lp.ID, names[i])
	}
	r.metrics.SetLoaded(0)
	return apierrors.Rekind(err, "registry.UnloadAll", apierrors.CodeLoader)
}

// LoadPlugin loads a single module. Metadata is taken from the last scan or
// read from the module's manifest.
func (r *Registry) LoadPlugin(ctx context.Context, path string) (Info, error) {
	meta, ok := r.discovery.MetadataByPath(path)
	if !ok {
		m, err := discovery.ReadMetadata(path)
		if err != nil {
			return Info{}, apierrors.Wrapf(apierrors.CodeLoader, "registry.LoadPlugin", err, "read metadata")
		}
		meta = m
	}
	if err := r.discovery.ValidateDependencies(meta); err != nil {
		return Info{}, err
	}
	return r.load(ctx, path, meta)
}

// LoadBuiltin registers a plugin compiled into the host.
func (r *Registry) LoadBuiltin(ctx context.Context, name string, f pkgplugin.Factory) (Info, error) {
	lp, err := r.loader.LoadBuiltin(ctx, name, f)
	r.metrics.RecordLifecycle("load", err)
	if err != nil {
		return Info{}, apierrors.Rekind(err, "registry.LoadBuiltin", apierrors.CodeLoader, apierrors.CodeAlreadyExists, apierrors.CodeLoader)
	}
	info := lp.Info()
	return r.register(ctx, lp, &Metadata{Info: info, Path: lp.Path})
}

func (r *Registry) load(ctx context.Context, path string, meta *Metadata) (Info, error) {
	lp, err := r.loader.LoadPlugin(ctx, path)
	r.metrics.RecordLifecycle("load", err)
	if err != nil {
		return Info{}, apierrors.Rekind(err, "registry.LoadPlugin", apierrors.CodeLoader, apierrors.CodeAlreadyExists, apierrors.CodeLoader)
	}
	return r.register(ctx, lp, meta)
}

// register records snapshots for a freshly loaded plugin. On failure the
// plugin is unloaded again.
func (r *Registry) register(ctx context.Context, lp *loader.LoadedPlugin, meta *Metadata) (Info, error) {
	const op = "registry.LoadPlugin"
	info := lp.Info()

	schema, err := compileSchema(meta.ConfigSchema)
	if err != nil {
		_ = r.loader.UnloadPlugin(ctx, lp.ID)
		return Info{}, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "plugin %q", info.Name)
	}

	cfg, err := r.initialConfig(ctx, lp, meta, schema)
	if err != nil {
		_ = r.loader.UnloadPlugin(ctx, lp.ID)
		return Info{}, err
	}

	// Keep discovery in sync with what was actually loaded.
	registered := *meta
	registered.Info = info
	registered.Path = lp.Path
	r.discovery.Register(&registered)

	r.mu.Lock()
	r.configs[info.ID] = cfg
	r.hotReload[info.ID] = false
	r.schemas[info.ID] = schema
	count := len(r.configs)
	r.mu.Unlock()

	r.metrics.SetLoaded(count)
	r.registerErrors(lp)
	r.notify(ChangeLoaded, info.ID, info.Name)
	return info, nil
}

// registerErrors publishes the codes of an ErrorDeclarer plugin under its
// name.
func (r *Registry) registerErrors(lp *loader.LoadedPlugin) {
	var specs []pkgplugin.ErrorSpec
	_ = lp.Read(func(p Plugin) error {
		if d, ok := p.(pkgplugin.ErrorDeclarer); ok {
			specs = d.DeclareErrors()
		}
		return nil
	})
	name := lp.Info().Name
	if len(specs) == 0 {
		apierrors.Registry.DropNamespace(name)
		return
	}
	codes := make([]apierrors.ErrorCode, len(specs))
	for i, s := range specs {
		codes[i] = apierrors.ErrorCode{Code: s.Code, Message: s.Message, HTTPStatus: s.HTTPStatus}
	}
	n := apierrors.Registry.RegisterNamespace(name, codes)
	r.logger.Debug("registered plugin error codes", "plugin", name, "count", n)
}

// initialConfig picks the stored snapshot, then the manifest defaults, then
// the instance's own config. A picked snapshot or default is applied to the
// instance.
func (r *Registry) initialConfig(ctx context.Context, lp *loader.LoadedPlugin, meta *Metadata, schema *configSchema) (Config, error) {
	const op = "registry.LoadPlugin"

	var cfg Config
	apply := false
	if r.store != nil {
		stored, ok, err := r.store.LoadPluginConfig(ctx, lp.ID)
		if err != nil {
			r.logger.Warn("could not read stored plugin config", "id", lp.ID, "error", err)
		} else if ok {
			cfg, apply = stored, true
		}
	}
	if cfg == nil && len(meta.Defaults) > 0 {
		cfg, apply = meta.Defaults.Clone(), true
	}
	if cfg == nil {
		_ = lp.Read(func(p Plugin) error {
			cfg, _ = p.Config()
			return nil
		})
	}
	if !apply {
		return cfg, nil
	}

	if err := schema.validate(cfg); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	err := lp.Write(func(p Plugin) error { return p.UpdateConfig(ctx, cfg.Clone()) })
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	return cfg, nil
}

// UnloadPlugin stops and drops a plugin.
func (r *Registry) UnloadPlugin(ctx context.Context, id uuid.UUID) error {
	lp, ok := r.loader.Plugin(id)
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, "registry.UnloadPlugin", "plugin %s not loaded", id)
	}
	name := lp.Info().Name
	err := r.loader.UnloadPlugin(ctx, id)
	r.metrics.RecordLifecycle("unload", err)

	r.mu.Lock()
	delete(r.configs, id)
	delete(r.hotReload, id)
	delete(r.schemas, id)
	count := len(r.configs)
	r.mu.Unlock()
	r.guard.Forget(id)
	r.metrics.SetLoaded(count)
	apierrors.Registry.DropNamespace(name)

	r.notify(ChangeUnloaded, id, name)
	return apierrors.Rekind(err, "registry.UnloadPlugin", apierrors.CodeLoader, apierrors.CodeNotFound)
}

func (r *Registry) get(op string, id uuid.UUID) (*loader.LoadedPlugin, error) {
	lp, ok := r.loader.Plugin(id)
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotFound, op, "plugin %s not loaded", id)
	}
	return lp, nil
}

// StartPlugin moves a plugin from Initialized or Stopped to Running.
func (r *Registry) StartPlugin(ctx context.Context, id uuid.UUID) error {
	const op = "registry.StartPlugin"
	lp, err := r.get(op, id)
	if err != nil {
		return err
	}
	var name string
	err = lp.Write(func(p Plugin) error {
		name = p.Info().Name
		if s := p.State(); s != pkgplugin.StateInitialized && s != pkgplugin.StateStopped {
			return apierrors.New(apierrors.CodeInvalidState, op, "plugin %q is %s", name, s)
		}
		if err := p.Start(ctx); err != nil {
			return apierrors.Rekind(err, op, apierrors.CodeInvalidState, apierrors.CodeInvalidState)
		}
		return nil
	})
	r.metrics.RecordLifecycle("start", err)
	if err != nil {
		return err
	}
	r.logger.Info("▶️ plugin started", "name", name)
	r.notify(ChangeStarted, id, name)
	return nil
}

// StopPlugin moves a Running plugin to Stopped.
func (r *Registry) StopPlugin(ctx context.Context, id uuid.UUID) error {
	const op = "registry.StopPlugin"
	lp, err := r.get(op, id)
	if err != nil {
		return err
	}
	var name string
	err = lp.Write(func(p Plugin) error {
		name = p.Info().Name
		if s := p.State(); s != pkgplugin.StateRunning {
			return apierrors.New(apierrors.CodeInvalidState, op, "plugin %q is %s", name, s)
		}
		if err := p.Stop(ctx); err != nil {
			return apierrors.Rekind(err, op, apierrors.CodeInvalidState, apierrors.CodeInvalidState)
		}
		return nil
	})
	r.metrics.RecordLifecycle("stop", err)
	if err != nil {
		return err
	}
	r.logger.Info("⏹️ plugin stopped", "name", name)
	r.notify(ChangeStopped, id, name)
	return nil
}

// ReloadPlugin reloads a plugin from its module file, keeping its config.
func (r *Registry) ReloadPlugin(ctx context.Context, id uuid.UUID) error {
	if _, err := r.get("registry.ReloadPlugin", id); err != nil {
		return err
	}
	err := r.loader.ReloadPluginByID(ctx, id)
	if err != nil {
		r.metrics.RecordReload(err)
		return apierrors.Rekind(err, "registry.ReloadPlugin", apierrors.CodeLoader,
			apierrors.CodeNotFound, apierrors.CodeLoader, apierrors.CodeInvalidConfiguration)
	}
	return nil
}

// afterReload runs for every successful reload, manual or watcher-driven.
func (r *Registry) afterReload(id uuid.UUID) {
	r.metrics.RecordReload(nil)
	name := id.String()
	if lp, ok := r.loader.Plugin(id); ok {
		name = lp.Info().Name
		_ = lp.Read(func(p Plugin) error {
			if cfg, ok := p.Config(); ok {
				r.mu.Lock()
				r.configs[id] = cfg
				r.mu.Unlock()
			}
			return nil
		})
		r.registerErrors(lp)
	}
	r.notify(ChangeReloaded, id, name)
}

// EnableHotReload lets the file watcher reload the plugin.
func (r *Registry) EnableHotReload(id uuid.UUID) error {
	return r.setHotReload("registry.EnableHotReload", id, true)
}

// DisableHotReload stops the file watcher from reloading the plugin.
func (r *Registry) DisableHotReload(id uuid.UUID) error {
	return r.setHotReload("registry.DisableHotReload", id, false)
}

func (r *Registry) setHotReload(op string, id uuid.UUID, on bool) error {
	lp, err := r.get(op, id)
	if err != nil {
		return err
	}
	err = lp.Read(func(p Plugin) error {
		if !p.Capabilities().Has(pkgplugin.CapHotReload) {
			return apierrors.New(apierrors.CodeNotSupported, op, "plugin %q does not support hot reload", p.Info().Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.hotReload[id] = on
	r.mu.Unlock()
	return nil
}

// HotReloadEnabled reports whether the watcher may reload the plugin.
func (r *Registry) HotReloadEnabled(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hotReload[id]
}

// UpdatePluginConfig validates cfg, applies it to the live instance and then
// records the snapshot.
func (r *Registry) UpdatePluginConfig(ctx context.Context, id uuid.UUID, cfg Config) error {
	const op = "registry.UpdatePluginConfig"
	lp, err := r.get(op, id)
	if err != nil {
		return err
	}

	r.mu.RLock()
	schema := r.schemas[id]
	r.mu.RUnlock()
	if err := schema.validate(cfg); err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}

	var name string
	err = lp.Write(func(p Plugin) error {
		name = p.Info().Name
		if err := p.UpdateConfig(ctx, cfg.Clone()); err != nil {
			return apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration, apierrors.CodeInvalidConfiguration)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.configs[id] = cfg.Clone()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SavePluginConfig(ctx, id, name, cfg); err != nil {
			r.logger.Warn("could not persist plugin config", "name", name, "error", err)
		}
	}
	r.notify(ChangeConfig, id, name)
	return nil
}

// PluginConfig returns the configuration snapshot.
func (r *Registry) PluginConfig(id uuid.UUID) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		if _, loaded := r.loader.Plugin(id); !loaded {
			return nil, apierrors.New(apierrors.CodeNotFound, "registry.PluginConfig", "plugin %s not loaded", id)
		}
		return nil, nil
	}
	return cfg.Clone(), nil
}

// Plugin returns the info of a loaded plugin.
func (r *Registry) Plugin(id uuid.UUID) (Info, bool) {
	lp, ok := r.loader.Plugin(id)
	if !ok {
		return Info{}, false
	}
	return lp.Info(), true
}

// PluginByName finds a loaded plugin by name.
func (r *Registry) PluginByName(name string) (Info, bool) {
	for _, lp := range r.loader.Plugins() {
		if info := lp.Info(); info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}

// Plugins returns the status of every loaded plugin ordered by name.
func (r *Registry) Plugins() []Status {
	loaded := r.loader.Plugins()
	out := make([]Status, 0, len(loaded))
	for _, lp := range loaded {
		s := Status{Path: lp.Path, LoadedAt: lp.LoadedAt(), HotReload: r.HotReloadEnabled(lp.ID), Dispatch: r.guard.Stats(lp.ID)}
		err := lp.Read(func(p Plugin) error {
			s.Info = p.Info()
			s.State = p.State().String()
			if rs, ok := p.(interface{ Reason() string }); ok {
				s.Reason = rs.Reason()
			}
			return nil
		})
		if err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}

// DispatchEvent delivers event to every Running plugin with the
// EventHandler capability. Failures are logged and returned joined.
func (r *Registry) DispatchEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, lp := range r.loader.Plugins() {
		var name string
		delivered := false
		err := lp.Read(func(p Plugin) error {
			if p.State() != pkgplugin.StateRunning || !p.Capabilities().Has(pkgplugin.CapEventHandler) {
				return nil
			}
			name = p.Info().Name
			if p.Info().Name == event.Source {
				return nil
			}
			if !r.guard.Allow(lp.ID) {
				r.metrics.RecordEvent("dropped")
				return nil
			}
			delivered = true
			return p.HandleEvent(ctx, event)
		})
		if !delivered {
			continue
		}
		r.guard.Record(lp.ID, err)
		if err != nil {
			r.metrics.RecordEvent("error")
			r.logger.Warn("plugin failed to handle event", "plugin", name, "event", event.Name, "error", err)
			errs = append(errs, apierrors.Wrapf(apierrors.CodeInvalidOperation, "registry.DispatchEvent", err, "plugin %q", name))
			continue
		}
		r.metrics.RecordEvent("ok")
	}
	return errors.Join(errs...)
}

// ActionGroups asks an ActionProvider plugin for its action groups.
func (r *Registry) ActionGroups(ctx context.Context, id uuid.UUID) ([]*action.Group, error) {
	const op = "registry.ActionGroups"
	lp, err := r.get(op, id)
	if err != nil {
		return nil, err
	}
	var groups []*action.Group
	err = lp.Read(func(p Plugin) error {
		provider, ok := p.(action.Provider)
		if !ok || !p.Capabilities().Has(pkgplugin.CapActionProvider) {
			return apierrors.New(apierrors.CodeNotSupported, op, "plugin %q provides no actions", p.Info().Name)
		}
		groups, err = provider.ActionGroups(ctx)
		return err
	})
	return groups, err
}

// Generators returns the event channels of Running EventGenerator plugins.
func (r *Registry) Generators() map[uuid.UUID]<-chan Event {
	out := make(map[uuid.UUID]<-chan Event)
	for _, lp := range r.loader.Plugins() {
		_ = lp.Read(func(p Plugin) error {
			gen, ok := p.(pkgplugin.EventGenerator)
			if ok && p.State() == pkgplugin.StateRunning && p.Capabilities().Has(pkgplugin.CapEventGenerator) {
				if ch := gen.Events(); ch != nil {
					out[lp.ID] = ch
				}
			}
			return nil
		})
	}
	return out
}

// StartAll starts every Initialized or Stopped plugin and returns the
// joined failures.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.Plugins() {
		if s.State == pkgplugin.StateInitialized.String() || s.State == pkgplugin.StateStopped.String() {
			if err := r.StartPlugin(ctx, s.Info.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
