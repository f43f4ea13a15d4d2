// Package system provides the built-in "System" actions: running external
// commands, reading and writing globals, and logging from macros.
package system

import (
	"context"
	"log/slog"

	"github.com/goatkit/macrohost/internal/globals"
	"github.com/goatkit/macrohost/internal/worker"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Info is the metadata of the system plugin.
var Info = plugin.Info{
	Name:         "system",
	Version:      "1.0.0",
	Description:  "Commands, globals and logging for macros",
	Author:       "macrohost",
	Platforms:    []string{"linux", "darwin", "windows"},
	Capabilities: []plugin.Capability{plugin.CapActionProvider},
}

// Plugin is the built-in plugin contributing the "System" action group.
type Plugin struct {
	*plugin.Base
	pool    *worker.Pool
	globals globals.Store
	logger  *slog.Logger
}

// New creates the system plugin. Commands run through pool and the global
// actions use store.
func New(pool *worker.Pool, store globals.Store, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{Base: plugin.NewBase(Info, nil), pool: pool, globals: store, logger: logger}
}

// Factory returns a plugin.Factory sharing pool, store and logger.
func Factory(pool *worker.Pool, store globals.Store, logger *slog.Logger) plugin.Factory {
	return func() plugin.Plugin { return New(pool, store, logger) }
}

func (p *Plugin) Clone() (plugin.Plugin, error) {
	return &Plugin{Base: p.Base.CloneBase(), pool: p.pool, globals: p.globals, logger: p.logger}, nil
}

// ActionGroups implements action.Provider.
func (p *Plugin) ActionGroups(ctx context.Context) ([]*action.Group, error) {
	owner := p.Info()
	g := action.NewGroup(owner, "System", "Commands, globals and logging")
	for _, a := range []action.Action{
		NewRunCommand(owner, p.pool),
		NewSetGlobal(owner, p.globals),
		NewGetGlobal(owner, p.globals),
		NewDeleteGlobal(owner, p.globals),
		NewLog(owner, p.logger),
	} {
		if err := g.AddAction(a); err != nil {
			return nil, err
		}
	}
	return []*action.Group{g}, nil
}
