package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML sidecar next to a plugin module (echo.so -> echo.yaml).
// Discovery reads it without opening the module.
type Manifest struct {
	ID           string         `yaml:"id,omitempty"           json:"id,omitempty"`
	Name         string         `yaml:"name"                   json:"name"`
	Version      string         `yaml:"version"                json:"version"`
	Description  string         `yaml:"description,omitempty"  json:"description,omitempty"`
	Author       string         `yaml:"author,omitempty"       json:"author,omitempty"`
	Homepage     string         `yaml:"homepage,omitempty"     json:"homepage,omitempty"`
	Platforms    []string       `yaml:"platforms,omitempty"    json:"platforms,omitempty"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Dependencies []Dependency   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ConfigSchema map[string]any `yaml:"config_schema,omitempty" json:"config_schema,omitempty"` // JSON schema for UpdateConfig
	Defaults     Config         `yaml:"defaults,omitempty"     json:"defaults,omitempty"`       // initial configuration
	Extra        map[string]any `yaml:"extra,omitempty"        json:"extra,omitempty"`
}

// Dependency names another plugin this one needs.
type Dependency struct {
	Name       string `yaml:"name"                  json:"name"`
	VersionReq string `yaml:"version,omitempty"     json:"version,omitempty"` // e.g. ">=1.2.0, <2.0.0", "^1.4", "*"
	Optional   bool   `yaml:"optional,omitempty"    json:"optional,omitempty"`
}

// Metadata is what discovery knows about a plugin before it is instantiated.
type Metadata struct {
	Info         Info           `json:"info"`
	Path         string         `json:"path"`
	Dependencies []Dependency   `json:"dependencies,omitempty"`
	ConfigSchema []byte         `json:"-"`
	Defaults     Config         `json:"defaults,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(path, data)
}

// ParseManifest decodes and validates manifest data. name is used in errors.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%s: name is required", name)
	}
	for i, d := range m.Dependencies {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("%s: dependency %d has no name", name, i)
		}
	}
	return &m, nil
}

// Metadata converts the manifest for the module at modulePath.
func (m *Manifest) Metadata(modulePath string) (*Metadata, error) {
	id := NameID(m.Name)
	if m.ID != "" {
		parsed, err := uuid.Parse(m.ID)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: invalid id: %w", m.Name, err)
		}
		id = parsed
	}

	caps := make([]Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		capability, err := ParseCapability(c)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", m.Name, err)
		}
		caps = append(caps, capability)
	}

	var schema []byte
	if len(m.ConfigSchema) > 0 {
		var err error
		if schema, err = json.Marshal(normalizeYAML(m.ConfigSchema)); err != nil {
			return nil, fmt.Errorf("manifest %s: config schema: %w", m.Name, err)
		}
	}

	version := m.Version
	if version == "" {
		version = "0.0.0"
	}

	return &Metadata{
		Info: Info{
			ID:           id,
			Name:         m.Name,
			Description:  m.Description,
			Version:      version,
			Author:       m.Author,
			Homepage:     m.Homepage,
			Platforms:    m.Platforms,
			Capabilities: caps,
		},
		Path:         modulePath,
		Dependencies: m.Dependencies,
		ConfigSchema: schema,
		Defaults:     m.Defaults.Clone(),
		Extra:        m.Extra,
	}, nil
}

// normalizeYAML turns map[any]any nodes into map[string]any so the value
// can be JSON encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeYAML(t[i])
		}
		return out
	default:
		return v
	}
}
