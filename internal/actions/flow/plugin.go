// Package flow provides the built-in flow control actions: conditionals,
// loops, delays, variables and jumps between macros. Container actions run
// their nested actions in the macro's scope and pass jump requests on to
// the macro runner.
package flow

import (
	"context"

	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Info is the metadata of the flow plugin.
var Info = plugin.Info{
	Name:         "flow",
	Version:      "1.0.0",
	Description:  "Flow control actions for macros",
	Author:       "macrohost",
	Platforms:    []string{"linux", "darwin", "windows"},
	Capabilities: []plugin.Capability{plugin.CapActionProvider},
}

// Plugin is the built-in plugin contributing the "Flow" action group.
type Plugin struct {
	*plugin.Base
}

// New creates the flow plugin.
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Info, nil)}
}

// Factory is the plugin.Factory of the flow plugin.
func Factory() plugin.Plugin { return New() }

func (p *Plugin) Clone() (plugin.Plugin, error) {
	return &Plugin{Base: p.Base.CloneBase()}, nil
}

// ActionGroups implements action.Provider.
func (p *Plugin) ActionGroups(ctx context.Context) ([]*action.Group, error) {
	owner := p.Info()
	g := action.NewGroup(owner, "Flow", "Conditionals, loops and jumps")
	for _, a := range []action.Action{
		NewConditional(owner),
		NewWhileLoop(owner),
		NewForLoop(owner),
		NewDelay(owner),
		NewJump(owner),
		NewSetVariable(owner),
		NewIncrement(owner),
	} {
		if err := g.AddAction(a); err != nil {
			return nil, err
		}
	}
	return []*action.Group{g}, nil
}
