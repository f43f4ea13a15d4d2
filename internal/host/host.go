// Package host wires the plugin registry, the action manager and the macro
// engine into one running process. Events from generator plugins and the
// admin API are queued, dispatched to handler plugins and used to trigger
// the macros bound to them.
package host

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	actionmgr "github.com/goatkit/macrohost/internal/action"
	"github.com/goatkit/macrohost/internal/actions/flow"
	"github.com/goatkit/macrohost/internal/actions/system"
	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/config"
	"github.com/goatkit/macrohost/internal/globals"
	"github.com/goatkit/macrohost/internal/macro"
	"github.com/goatkit/macrohost/internal/plugin"
	"github.com/goatkit/macrohost/internal/plugin/discovery"
	"github.com/goatkit/macrohost/internal/plugin/loader"
	"github.com/goatkit/macrohost/internal/plugin/signing"
	"github.com/goatkit/macrohost/internal/store"
	"github.com/goatkit/macrohost/internal/trigger"
	"github.com/goatkit/macrohost/internal/worker"
	pkgplugin "github.com/goatkit/macrohost/pkg/plugin"
)

// Source is the source of events submitted through the host itself.
const Source = "macrohost"

type options struct {
	loaderOpts []loader.LoaderOption
	globals    globals.Store
	store      *store.Store
}

// Option configures a Host.
type Option func(*options)

// WithLoaderOptions passes options to the plugin loader.
func WithLoaderOptions(opts ...loader.LoaderOption) Option {
	return func(o *options) { o.loaderOpts = append(o.loaderOpts, opts...) }
}

// WithGlobals uses s instead of the backend named in the configuration.
func WithGlobals(s globals.Store) Option {
	return func(o *options) { o.globals = s }
}

// WithStore uses s instead of opening store.path.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

type pump struct {
	ch     <-chan pkgplugin.Event
	cancel context.CancelFunc
}

// Host is the running automation host.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	loader    *loader.Loader
	discovery *discovery.Discovery
	registry  *plugin.Registry
	actions   *actionmgr.Manager
	engine    *macro.Engine
	library   *macro.Library
	runner    *macro.Runner
	globals   globals.Store
	store     *store.Store
	pool      *worker.Pool
	timer     *trigger.Timer

	queue chan pkgplugin.Event

	mu      sync.Mutex
	pumps   map[uuid.UUID]pump
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	shutdown    sync.Once
	shutdownErr error
}

// New builds a host from cfg. Nothing is loaded or started until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Host, error) {
	const op = "host.New"
	if logger == nil {
		logger = slog.Default()
	}
	logs := plugin.NewLogBuffer(0)
	logger = slog.New(plugin.NewBufferHandler(logs, logger.Handler()))
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(cfg.Plugins.Dirs) == 0 {
		return nil, apierrors.New(apierrors.CodeInvalidConfiguration, op, "plugins.dirs is empty")
	}

	h := &Host{
		cfg:     cfg,
		logger:  logger,
		pool:    worker.New(cfg.Engine.Workers),
		actions: actionmgr.NewManager(logger),
		library: macro.NewLibrary(),
		queue:   make(chan pkgplugin.Event, cfg.Engine.EventCapacity),
		pumps:   make(map[uuid.UUID]pump),
	}

	h.globals = o.globals
	if h.globals == nil {
		g, err := globals.Open(ctx, cfg.Globals.Backend, cfg.Globals.RedisURL, cfg.Globals.Prefix, logger)
		if err != nil {
			return nil, err
		}
		h.globals = g
	}

	h.store = o.store
	if h.store == nil && cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			_ = h.globals.Close()
			return nil, err
		}
		h.store = s
	}

	loaderOpts := []loader.LoaderOption{loader.WithDebounce(cfg.Plugins.Debounce)}
	if len(cfg.Plugins.TrustedKeys) > 0 || cfg.Plugins.RequireSignatures {
		keys, err := signing.NewKeyring(cfg.Plugins.RequireSignatures, cfg.Plugins.TrustedKeys...)
		if err != nil {
			_ = h.close()
			return nil, err
		}
		loaderOpts = append(loaderOpts, loader.WithVerifier(keys))
	}
	if cfg.Plugins.Isolate {
		rpc := loader.RPCOpener{Isolate: true, PassEnv: cfg.Plugins.PassEnv}
		loaderOpts = append(loaderOpts, loader.WithOpener(pkgplugin.RPCExtension, rpc))
	}
	loaderOpts = append(loaderOpts, o.loaderOpts...)
	h.loader = loader.NewLoader(cfg.Plugins.Dirs[0], logger, loaderOpts...)
	h.discovery = discovery.New(logger, discovery.WithExtensions(h.loader.Extensions()...))
	for _, dir := range cfg.Plugins.Dirs[1:] {
		if err := h.discovery.AddDirectory(dir); err != nil {
			logger.Warn("skipping plugin directory", "path", dir, "error", err)
		}
	}

	regOpts := []plugin.Option{
		plugin.WithBroker(plugin.NewSSEBroker()),
		plugin.WithLogBuffer(logs),
		plugin.WithDispatchLimit(cfg.Plugins.DispatchLimit),
	}
	if h.store != nil {
		regOpts = append(regOpts, plugin.WithConfigStore(h.store))
	}
	h.registry = plugin.NewRegistry(h.loader, h.discovery, logger, regOpts...)
	h.registry.Subscribe(h.onChange)

	h.engine = macro.NewEngine(logger, macro.WithEventCapacity(cfg.Engine.EventCapacity))
	runnerOpts := []macro.RunnerOption{macro.WithPollInterval(cfg.Engine.PollInterval)}
	if h.store != nil {
		runnerOpts = append(runnerOpts, macro.WithRecorder(h.store))
	}
	h.runner = macro.NewRunner(h.engine, h.library, logger, runnerOpts...)

	h.timer = trigger.New(trigger.WithLogger(logger))
	for _, spec := range cfg.Triggers {
		if err := h.timer.Add(spec); err != nil {
			_ = h.close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) Registry() *plugin.Registry { return h.registry }
func (h *Host) Discovery() *discovery.Discovery { return h.discovery }
func (h *Host) Actions() *actionmgr.Manager { return h.actions }
func (h *Host) Engine() *macro.Engine { return h.engine }
func (h *Host) Library() *macro.Library { return h.library }
func (h *Host) Runner() *macro.Runner { return h.runner }
func (h *Host) Globals() globals.Store { return h.globals }

// Timer returns the builtin timer. A rescan replaces it with a clone.
func (h *Host) Timer() *trigger.Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer
}

func (h *Host) Logs() *plugin.LogBuffer { return h.registry.Logs() }
func (h *Host) Broker() *plugin.SSEBroker { return h.registry.Broker() }
func (h *Host) Config() *config.Config { return h.cfg }

// Store returns the run history store, nil when persistence is off.
func (h *Host) Store() *store.Store { return h.store }

// Start loads plugins and builtins, builds the macro library, starts every
// plugin and begins routing events. Plugin and macro failures are logged
// and do not stop the host.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return apierrors.New(apierrors.CodeInvalidState, "host.Start", "host already started")
	}
	h.started = true
	h.runCtx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Unlock()

	if err := h.Rescan(ctx); err != nil {
		h.logger.Warn("some plugins failed to load", "error", err)
	}
	if h.cfg.Macros.File != "" {
		if _, err := h.LoadMacros(ctx, h.cfg.Macros.File); err != nil {
			h.logger.Warn("some macros failed to build", "file", h.cfg.Macros.File, "error", err)
		}
	}
	if h.cfg.Plugins.HotReload {
		if err := h.loader.Watch(h.runCtx); err != nil {
			h.logger.Warn("hot reload unavailable", "error", err)
		}
	}
	if h.store != nil && h.cfg.Store.Retention > 0 {
		if n, err := h.store.PruneRuns(ctx, time.Now().Add(-h.cfg.Store.Retention)); err != nil {
			h.logger.Warn("could not prune run history", "error", err)
		} else if n > 0 {
			h.logger.Info("pruned run history", "runs", n)
		}
	}

	h.wg.Add(1)
	go h.route(h.runCtx)
	h.logger.Info("host started", "plugins", len(h.registry.Plugins()), "actions", h.actions.Count(), "macros", len(h.library.List()))
	return nil
}

// Rescan reloads every plugin from disk, then the builtins, and starts them.
func (h *Host) Rescan(ctx context.Context) error {
	var errs []error
	if _, err := h.registry.LoadAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.loadBuiltins(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.registry.StartAll(ctx); err != nil {
		errs = append(errs, err)
	}
	h.pump()
	return errors.Join(errs...)
}

func (h *Host) loadBuiltins(ctx context.Context) error {
	factories := map[string]pkgplugin.Factory{
		flow.Info.Name:    flow.Factory,
		system.Info.Name:  system.Factory(h.pool, h.globals, h.logger),
		trigger.Info.Name: h.timerFactory,
	}
	var errs []error
	for _, name := range h.cfg.Plugins.Builtins {
		f, ok := factories[name]
		if !ok {
			errs = append(errs, apierrors.New(apierrors.CodeInvalidConfiguration, "host.loadBuiltins", "unknown builtin %q", name))
			continue
		}
		if _, err := h.registry.LoadBuiltin(ctx, name, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timerFactory hands the registry the host's timer. A timer that was
// registered before is cloned so its schedules survive a rescan.
func (h *Host) timerFactory() pkgplugin.Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer.State() == pkgplugin.StateCreated {
		return h.timer
	}
	c, err := h.timer.Clone()
	if err != nil {
		h.logger.Warn("could not clone timer, schedules are lost", "error", err)
		h.timer = trigger.New(trigger.WithLogger(h.logger))
		return h.timer
	}
	h.timer = c.(*trigger.Timer)
	return h.timer
}

// onChange keeps the action tree and the event pumps in step with the
// registry.
func (h *Host) onChange(c plugin.Change) {
	switch c.Kind {
	case plugin.ChangeLoaded, plugin.ChangeReloaded:
		groups, err := h.registry.ActionGroups(context.Background(), c.ID)
		if errors.Is(err, apierrors.ErrNotSupported) {
			h.actions.RemovePluginGroups(c.ID)
			return
		}
		if err != nil {
			h.logger.Warn("could not read plugin actions", "plugin", c.Name, "error", err)
			return
		}
		if err := h.actions.ReplacePluginGroups(c.ID, groups); err != nil {
			h.logger.Warn("could not register plugin actions", "plugin", c.Name, "error", err)
		}
		if c.Kind == plugin.ChangeReloaded {
			h.pump()
		}
	case plugin.ChangeUnloaded:
		h.actions.RemovePluginGroups(c.ID)
		h.mu.Lock()
		if p, ok := h.pumps[c.ID]; ok {
			p.cancel()
			delete(h.pumps, c.ID)
		}
		h.mu.Unlock()
	case plugin.ChangeStarted:
		h.pump()
	}
}

// pump starts a reader for every generator channel not read yet.
func (h *Host) pump() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runCtx == nil {
		return
	}
	for id, ch := range h.registry.Generators() {
		if p, ok := h.pumps[id]; ok {
			if p.ch == ch {
				continue
			}
			p.cancel()
		}
		ctx, cancel := context.WithCancel(h.runCtx)
		h.pumps[id] = pump{ch: ch, cancel: cancel}
		h.wg.Add(1)
		go h.read(ctx, ch)
	}
}

func (h *Host) read(ctx context.Context, ch <-chan pkgplugin.Event) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := h.Submit(ctx, ev); err != nil {
				return
			}
		}
	}
}

// Submit queues an event for routing. It blocks while the queue is full.
func (h *Host) Submit(ctx context.Context, ev pkgplugin.Event) error {
	select {
	case h.queue <- ev:
		return nil
	case <-ctx.Done():
		return apierrors.Wrap(apierrors.CodeTimeout, "host.Submit", ctx.Err())
	}
}

func (h *Host) route(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.Handle(ctx, ev)
		}
	}
}

// Handle dispatches ev to handler plugins and starts every macro bound to
// it. Each match runs in its own goroutine and context, so a macro that is
// still running from an earlier event runs again alongside it.
func (h *Host) Handle(ctx context.Context, ev pkgplugin.Event) {
	if err := h.registry.DispatchEvent(ctx, ev); err != nil {
		h.logger.Debug("event dispatch had failures", "event", ev.Name, "error", err)
	}
	for _, m := range h.library.Matching(ev) {
		h.wg.Add(1)
		go func(m *macro.Macro, ev pkgplugin.Event) {
			defer h.wg.Done()
			if err := h.runner.Run(ctx, m.ID, &ev); err != nil {
				h.logger.Warn("macro run failed", "macro", m.Name, "event", ev.Name, "error", err)
			}
		}(m, ev)
	}
}

// RunMacro runs a macro by name or id to completion.
func (h *Host) RunMacro(ctx context.Context, ref string) error {
	m, ok := h.library.Resolve(ref)
	if !ok {
		return apierrors.New(apierrors.CodeNotFound, "host.RunMacro", "macro %q not found", ref)
	}
	return h.runner.Run(ctx, m.ID, nil)
}

// StartMacro runs a macro in a new context in the background on the host's
// context and returns the execution id.
func (h *Host) StartMacro(ref string) (uuid.UUID, error) {
	const op = "host.StartMacro"
	m, ok := h.library.Resolve(ref)
	if !ok {
		return uuid.Nil, apierrors.New(apierrors.CodeNotFound, op, "macro %q not found", ref)
	}
	h.mu.Lock()
	ctx := h.runCtx
	h.mu.Unlock()
	if ctx == nil {
		return uuid.Nil, apierrors.New(apierrors.CodeInvalidState, op, "host not started")
	}
	execID, err := h.runner.Execute(m.ID, nil)
	if err != nil {
		return uuid.Nil, err
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.runner.Drive(ctx, execID); err != nil {
			h.logger.Warn("macro run failed", "macro", m.Name, "run", execID, "error", err)
		}
	}()
	return execID, nil
}

// LoadMacros builds every definition in path and replaces the library with
// the ones that built. It returns how many were added and the joined build
// failures.
func (h *Host) LoadMacros(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, apierrors.Wrapf(apierrors.CodeInvalidArgument, "host.LoadMacros", err, "macro file")
	}
	defs, err := macro.ReadDefinitions(path)
	if err != nil {
		return 0, err
	}
	built := make([]*macro.Macro, 0, len(defs))
	var errs []error
	for _, def := range defs {
		m, err := macro.Build(ctx, def, h.actions.Instantiate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		built = append(built, m)
	}

	for _, m := range h.library.List() {
		h.library.Remove(m.ID)
	}
	added := 0
	for _, m := range built {
		if err := h.library.Add(m); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	h.logger.Info("macros loaded", "file", path, "macros", added, "failed", len(errs))
	return added, errors.Join(errs...)
}

// Shutdown stops routing, unloads every plugin and closes the stores. Only
// the first call does anything.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdown.Do(func() { h.shutdownErr = h.stop(ctx) })
	return h.shutdownErr
}

func (h *Host) stop(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.loader.StopWatch()
	for _, snap := range h.engine.Contexts() {
		_ = h.engine.StopMacro(snap.ID)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, apierrors.Wrap(apierrors.CodeTimeout, "host.Shutdown", ctx.Err()))
	}
	if err := h.registry.UnloadAll(ctx); err != nil {
		errs = append(errs, err)
	}
	h.registry.Broker().Close()
	if err := h.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Host) close() error {
	var errs []error
	if h.globals != nil {
		errs = append(errs, h.globals.Close())
	}
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	return errors.Join(errs...)
}
