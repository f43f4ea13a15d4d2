// Package plugintest provides in-memory plugins and modules for tests.
package plugintest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goatkit/macrohost/internal/plugin/loader"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Ext is the module extension served by Opener.
const Ext = ".fake"

// Plugin is a configurable fake. Hooks left nil succeed.
type Plugin struct {
	*plugin.Base

	mu       sync.Mutex
	events   []plugin.Event
	starts   int
	stops    int
	Groups   func() []*action.Group
	OnStart  func() error
	OnEvent  func(plugin.Event) error
	Outbound chan plugin.Event
}

// New creates a fake plugin with the given name, version and capabilities.
func New(name, version string, caps ...plugin.Capability) *Plugin {
	return &Plugin{Base: plugin.NewBase(plugin.Info{
		Name:         name,
		Version:      version,
		Capabilities: caps,
	}, plugin.Config{})}
}

func (p *Plugin) Start(ctx context.Context) error {
	if p.OnStart != nil {
		if err := p.OnStart(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return p.Base.Start(ctx)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.Base.Stop(ctx)
}

func (p *Plugin) HandleEvent(ctx context.Context, event plugin.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	if p.OnEvent != nil {
		return p.OnEvent(event)
	}
	return nil
}

// Events implements plugin.EventGenerator when Outbound is set.
func (p *Plugin) Events() <-chan plugin.Event { return p.Outbound }

// ActionGroups implements action.Provider.
func (p *Plugin) ActionGroups(ctx context.Context) ([]*action.Group, error) {
	if p.Groups == nil {
		return nil, nil
	}
	return p.Groups(), nil
}

func (p *Plugin) Clone() (plugin.Plugin, error) {
	return &Plugin{Base: p.Base.CloneBase(), Groups: p.Groups, OnStart: p.OnStart, OnEvent: p.OnEvent}, nil
}

// Received returns the events delivered so far.
func (p *Plugin) Received() []plugin.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugin.Event(nil), p.events...)
}

// Counts returns how often Start and Stop were called.
func (p *Plugin) Counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

// Opener serves factories registered by file path.
type Opener struct {
	mu        sync.Mutex
	factories map[string]plugin.Factory
	opens     map[string]int
	closes    map[string]int
	fail      map[string]error
}

// NewOpener returns an empty Opener.
func NewOpener() *Opener {
	return &Opener{
		factories: make(map[string]plugin.Factory),
		opens:     make(map[string]int),
		closes:    make(map[string]int),
		fail:      make(map[string]error),
	}
}

// Set registers the factory served for path.
func (o *Opener) Set(path string, f plugin.Factory) {
	o.mu.Lock()
	o.factories[path] = f
	delete(o.fail, path)
	o.mu.Unlock()
}

// Fail makes the next opens of path return err.
func (o *Opener) Fail(path string, err error) {
	o.mu.Lock()
	o.fail[path] = err
	o.mu.Unlock()
}

// Opens returns how many times path was opened.
func (o *Opener) Opens(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

// Closes returns how many modules opened from path were closed.
func (o *Opener) Closes(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes[path]
}

func (o *Opener) Open(ctx context.Context, path string) (loader.Module, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[path]; err != nil {
		return nil, err
	}
	f, ok := o.factories[path]
	if !ok {
		return nil, errors.New("no such module")
	}
	o.opens[path]++
	return &module{factory: f, close: func() {
		o.mu.Lock()
		o.closes[path]++
		o.mu.Unlock()
	}}, nil
}

type module struct {
	factory plugin.Factory
	close   func()
}

func (m *module) Instantiate() (plugin.Plugin, error) {
	return loader.FactoryModule("fake", m.factory).Instantiate()
}

func (m *module) Close() error {
	m.close()
	return nil
}

// Touch writes a module file named name+Ext into dir and returns its path.
func Touch(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+Ext)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	return abs
}
