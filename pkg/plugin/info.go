package plugin

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Info describes a plugin. It is a snapshot and never changes after load.
type Info struct {
	ID           uuid.UUID    `json:"id"          yaml:"id"`
	Name         string       `json:"name"        yaml:"name"`
	Description  string       `json:"description" yaml:"description,omitempty"`
	Version      string       `json:"version"     yaml:"version"`
	Author       string       `json:"author"      yaml:"author,omitempty"`
	Homepage     string       `json:"homepage"    yaml:"homepage,omitempty"`
	Platforms    []string     `json:"platforms"   yaml:"platforms,omitempty"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities,omitempty"`
}

// NameID derives a stable id from a plugin name, for plugins that don't set one.
func NameID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("macrohost:plugin:"+name))
}

// Capability is a declared trait gating registry operations.
type Capability string

const (
	CapEventGenerator Capability = "event_generator"
	CapEventHandler   Capability = "event_handler"
	CapConfigurable   Capability = "configurable"
	CapHotReload      Capability = "hot_reload"
	CapStateful       Capability = "stateful"
	CapActionProvider Capability = "action_provider"
	CapConfigProvider Capability = "config_provider"
)

var knownCapabilities = map[Capability]bool{
	CapEventGenerator: true,
	CapEventHandler:   true,
	CapConfigurable:   true,
	CapHotReload:      true,
	CapStateful:       true,
	CapActionProvider: true,
	CapConfigProvider: true,
}

// ParseCapability accepts the snake_case name or the CamelCase form used in manifests.
func ParseCapability(s string) (Capability, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch norm {
	case "eventgenerator":
		norm = string(CapEventGenerator)
	case "eventhandler":
		norm = string(CapEventHandler)
	case "hotreload":
		norm = string(CapHotReload)
	case "actionprovider":
		norm = string(CapActionProvider)
	case "configprovider":
		norm = string(CapConfigProvider)
	}
	c := Capability(norm)
	if !knownCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// CapabilitySet is a set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}
