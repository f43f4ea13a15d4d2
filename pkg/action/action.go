// Package action defines the executable units plugins contribute to the host.
//
// Actions are organized in a tree of Groups. The host indexes that tree by
// action id and event type; macros run configured action instances in order.
package action

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/pkg/plugin"
)

// Action is a single unit of executable behaviour.
type Action interface {
	ID() uuid.UUID
	// Plugin is the read-only metadata of the owning plugin.
	Plugin() plugin.Info
	Name() string
	Description() string
	SupportedEventTypes() []plugin.EventType
	IconPath() string
	HelpURL() string
	Configurable() bool
	Executable() bool

	// Configure parses positional arguments. Malformed input is rejected
	// with an invalid configuration error.
	Configure(ctx context.Context, cfg Config) error
	// Compile prepares the action for execution. It must be idempotent.
	Compile(ctx context.Context) error
	Execute(ctx context.Context, event plugin.Event) (Result, error)
	Validate() error
}

// Instancer is implemented by catalog actions that can produce fresh,
// unconfigured instances for use in macros.
type Instancer interface {
	NewInstance() Action
}

// Provider is implemented by plugins with the ActionProvider capability.
type Provider interface {
	ActionGroups(ctx context.Context) ([]*Group, error)
}

// Container is implemented by actions that run nested actions, such as loops
// and conditionals. Branch names are defined by each action; "" is the main
// body.
type Container interface {
	SetActions(branch string, actions []Action) error
	ActionsIn(branch string) []Action
}

// Config is the positional configuration of an action.
type Config struct {
	Args            []string `json:"args"              yaml:"args"`
	Enabled         bool     `json:"enabled"           yaml:"enabled"`
	SelectOnExecute bool     `json:"select_on_execute" yaml:"select_on_execute"`
}

// DefaultConfig is an enabled config with no arguments.
func DefaultConfig(args ...string) Config {
	return Config{Args: args, Enabled: true}
}

// Arg returns the i-th argument, or def if absent.
func (c Config) Arg(i int, def string) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return def
}

// Supports reports whether a accepts events of type t.
func Supports(a Action, t plugin.EventType) bool {
	return slices.Contains(a.SupportedEventTypes(), t)
}

// Enabled reports whether a is enabled. Actions without an Enabled method are.
func Enabled(a Action) bool {
	if e, ok := a.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}
