package action

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/pkg/plugin"
)

// Base holds the descriptive fields of an action and its stored config.
// Concrete actions embed it and implement Execute.
type Base struct {
	id          uuid.UUID
	owner       plugin.Info
	name        string
	description string
	eventTypes  []plugin.EventType
	icon        string
	help        string

	mu     sync.RWMutex
	config Config
}

// NewBase creates a Base with a fresh id. With no event types the action
// accepts all of them.
func NewBase(owner plugin.Info, name, description string, eventTypes ...plugin.EventType) *Base {
	if len(eventTypes) == 0 {
		eventTypes = plugin.AllEventTypes
	}
	return &Base{
		id:          uuid.New(),
		owner:       owner,
		name:        name,
		description: description,
		eventTypes:  eventTypes,
		config:      DefaultConfig(),
	}
}

// WithIcon sets the icon and help references.
func (b *Base) WithIcon(icon, help string) *Base {
	b.icon, b.help = icon, help
	return b
}

// Renew returns a copy of b with a new id and default config.
func (b *Base) Renew() *Base {
	return &Base{
		id:          uuid.New(),
		owner:       b.owner,
		name:        b.name,
		description: b.description,
		eventTypes:  b.eventTypes,
		icon:        b.icon,
		help:        b.help,
		config:      DefaultConfig(),
	}
}

func (b *Base) ID() uuid.UUID                           { return b.id }
func (b *Base) Plugin() plugin.Info                     { return b.owner }
func (b *Base) Name() string                            { return b.name }
func (b *Base) Description() string                     { return b.description }
func (b *Base) SupportedEventTypes() []plugin.EventType { return b.eventTypes }
func (b *Base) IconPath() string                        { return b.icon }
func (b *Base) HelpURL() string                         { return b.help }
func (b *Base) Configurable() bool                      { return true }
func (b *Base) Executable() bool                        { return true }
func (b *Base) Compile(ctx context.Context) error       { return nil }
func (b *Base) Validate() error                         { return nil }

// Configure stores cfg without interpreting it.
func (b *Base) Configure(ctx context.Context, cfg Config) error {
	b.SetConfig(cfg)
	return nil
}

// ActionConfig returns the stored config.
func (b *Base) ActionConfig() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.config
	c.Args = append([]string(nil), b.config.Args...)
	return c
}

// SetConfig stores cfg.
func (b *Base) SetConfig(cfg Config) {
	b.mu.Lock()
	b.config = cfg
	b.mu.Unlock()
}

// Enabled reports the stored enabled flag.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Enabled
}
