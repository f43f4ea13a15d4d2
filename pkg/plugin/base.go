package plugin

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Base implements the bookkeeping part of Plugin: info, capabilities,
// lifecycle state and configuration. Embed it and override what differs.
//
//	type Echo struct{ *plugin.Base }
//
//	func (e *Echo) Clone() (plugin.Plugin, error) {
//	    return &Echo{Base: e.Base.CloneBase()}, nil
//	}
type Base struct {
	mu     sync.RWMutex
	info   Info
	caps   CapabilitySet
	state  State
	reason string
	config Config
}

// NewBase creates a Base in the Created state. A nil id is derived from the name.
func NewBase(info Info, defaults Config) *Base {
	if info.ID == uuid.Nil {
		info.ID = NameID(info.Name)
	}
	return &Base{
		info:   info,
		caps:   NewCapabilitySet(info.Capabilities...),
		state:  StateCreated,
		config: defaults.Clone(),
	}
}

func (b *Base) Info() Info { return b.info }

func (b *Base) Capabilities() CapabilitySet { return b.caps }

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reason returns why the plugin entered the Error state.
func (b *Base) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// Transition moves to the given state if the lifecycle allows it.
func (b *Base) Transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !CanTransition(b.state, to) {
		return &TransitionError{From: b.state, To: to}
	}
	b.state = to
	return nil
}

// Fail moves the plugin to the Error state.
func (b *Base) Fail(reason string) {
	b.mu.Lock()
	b.state = StateError
	b.reason = reason
	b.mu.Unlock()
}

func (b *Base) Initialize(ctx context.Context) error { return b.Transition(StateInitialized) }

func (b *Base) Start(ctx context.Context) error { return b.Transition(StateRunning) }

func (b *Base) Stop(ctx context.Context) error { return b.Transition(StateStopped) }

func (b *Base) HandleEvent(ctx context.Context, event Event) error { return nil }

func (b *Base) Config() (Config, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.config == nil {
		return nil, false
	}
	return b.config.Clone(), true
}

func (b *Base) UpdateConfig(ctx context.Context, cfg Config) error {
	b.mu.Lock()
	b.config = cfg.Clone()
	b.mu.Unlock()
	return nil
}

// CloneBase copies info and configuration into a fresh Created base.
func (b *Base) CloneBase() *Base {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Base{
		info:   b.info,
		caps:   b.caps,
		state:  StateCreated,
		config: b.config.Clone(),
	}
}
