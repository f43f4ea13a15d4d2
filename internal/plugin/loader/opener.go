package loader

import (
	"context"
	stdplugin "plugin"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Module is an opened plugin artifact. It produces plugin instances and
// releases its resources on Close.
type Module interface {
	Instantiate() (plugin.Plugin, error)
	Close() error
}

// Opener opens the plugin artifact at path.
type Opener interface {
	Open(ctx context.Context, path string) (Module, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Module, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Module, error) { return f(ctx, path) }

// NativeOpener opens Go plugin modules built with -buildmode=plugin.
//
// The Go runtime never unloads a module: Close is a no-op and reopening a
// path returns the already-mapped module. A reload of a native plugin
// therefore yields a fresh instance from the same code. Use RPC plugins when
// the code itself must be swapped without restarting the host.
type NativeOpener struct{}

func (NativeOpener) Open(ctx context.Context, path string) (Module, error) {
	const op = "loader.Open"

	p, err := stdplugin.Open(path)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: %s", path)
	}
	sym, err := p.Lookup(plugin.FactorySymbol)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: missing %s symbol", plugin.FactorySymbol)
	}
	factory, ok := asFactory(sym)
	if !ok {
		return nil, apierrors.New(apierrors.CodeLoader, op,
			"load failed: %s has type %T, want func() plugin.Plugin", plugin.FactorySymbol, sym)
	}
	return &factoryModule{path: path, factory: factory}, nil
}

// asFactory accepts the shapes a module may export the factory in.
func asFactory(sym any) (plugin.Factory, bool) {
	switch f := sym.(type) {
	case func() plugin.Plugin:
		return f, true
	case *func() plugin.Plugin:
		if f != nil && *f != nil {
			return *f, true
		}
	case plugin.Factory:
		return f, f != nil
	case *plugin.Factory:
		if f != nil && *f != nil {
			return *f, true
		}
	}
	return nil, false
}

// factoryModule is a Module backed by an in-process factory.
type factoryModule struct {
	path    string
	factory plugin.Factory
}

// FactoryModule wraps an in-process factory as a Module. It is used for
// plugins compiled into the host binary.
func FactoryModule(name string, f plugin.Factory) Module {
	return &factoryModule{path: name, factory: f}
}

func (m *factoryModule) Instantiate() (plugin.Plugin, error) {
	p := m.factory()
	if p == nil {
		return nil, apierrors.New(apierrors.CodeLoader, "loader.Instantiate",
			"invalid plugin: %s in %s returned nil", plugin.FactorySymbol, m.path)
	}
	return p, nil
}

func (m *factoryModule) Close() error { return nil }
