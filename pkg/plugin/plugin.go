// Package plugin defines the interface macrohost plugins implement.
//
// Plugins can be delivered as either:
//   - native Go plugin modules (.so/.dylib/.dll) exporting a NewPlugin factory
//   - RPC executables (.plugin) served through pkg/plugin/rpcutil (via go-plugin)
//
// The host doesn't care which runtime backs a plugin - both implement
// this interface and are managed uniformly by the plugin registry.
package plugin

import (
	"context"
	"runtime"
)

// FactorySymbol is the symbol the loader looks up in a native module.
// It must be a func() Plugin or a variable of type Factory.
const FactorySymbol = "NewPlugin"

// RPCExtension marks plugin executables served over go-plugin.
const RPCExtension = ".plugin"

// Factory creates a fresh plugin instance. Returning nil is a load failure.
type Factory func() Plugin

// Plugin is the interface every loaded extension satisfies.
type Plugin interface {
	// Info returns the immutable plugin metadata.
	Info() Info

	// Capabilities returns the declared capability set.
	Capabilities() CapabilitySet

	// State returns the current lifecycle state.
	State() State

	// Initialize is called once after the module is opened.
	// Created -> Initialized.
	Initialize(ctx context.Context) error

	// Start begins active work. Initialized|Stopped -> Running.
	Start(ctx context.Context) error

	// Stop halts active work. Running -> Stopped.
	Stop(ctx context.Context) error

	// HandleEvent delivers an event to an EventHandler plugin.
	HandleEvent(ctx context.Context, event Event) error

	// Config returns the current configuration, if the plugin has one.
	Config() (Config, bool)

	// UpdateConfig replaces the plugin configuration.
	UpdateConfig(ctx context.Context, cfg Config) error

	// Clone duplicates the plugin for an isolated execution context.
	// The clone starts in the Created state.
	Clone() (Plugin, error)
}

// EventGenerator is implemented by plugins that emit events into the host.
// The channel is read until it is closed.
type EventGenerator interface {
	Events() <-chan Event
}

// Stateful is implemented by plugins that can persist opaque state across reloads.
type Stateful interface {
	SaveState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, state []byte) error
}

// ErrorSpec declares an error code a plugin may return. Code is relative to
// the plugin's namespace ("no_station" becomes "weather:no_station").
type ErrorSpec struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

// ErrorDeclarer is implemented by plugins that declare their error codes.
// The host registers them under the plugin's name while it is loaded.
type ErrorDeclarer interface {
	DeclareErrors() []ErrorSpec
}

// ModuleExtension returns the native module extension for the running platform.
func ModuleExtension() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}
