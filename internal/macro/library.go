package macro

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Macro is an ordered list of configured action instances.
type Macro struct {
	ID          uuid.UUID
	Name        string
	Description string
	Enabled     bool
	Bindings    []Binding
	Actions     []action.Action
}

// Binding selects the events that trigger a macro. Empty fields match
// anything.
type Binding struct {
	Type   *plugin.EventType `yaml:"type,omitempty"   json:"type,omitempty"`
	Name   string            `yaml:"name,omitempty"   json:"name,omitempty"`
	Source string            `yaml:"source,omitempty" json:"source,omitempty"`
}

// Matches reports whether ev satisfies the binding.
func (b Binding) Matches(ev plugin.Event) bool {
	if b.Type != nil && *b.Type != ev.Type {
		return false
	}
	if b.Name != "" && !strings.EqualFold(b.Name, ev.Name) {
		return false
	}
	if b.Source != "" && !strings.EqualFold(b.Source, ev.Source) {
		return false
	}
	return true
}

// MacroID derives a stable id from a macro name.
func MacroID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("macrohost:macro:"+name))
}

// Library holds the macro definitions known to the host.
type Library struct {
	mu     sync.RWMutex
	macros map[uuid.UUID]*Macro
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{macros: make(map[uuid.UUID]*Macro)}
}

// Add registers m. A nil id is derived from the name.
func (l *Library) Add(m *Macro) error {
	if m.Name == "" && m.ID == uuid.Nil {
		return apierrors.New(apierrors.CodeInvalidArgument, "macro.Library.Add", "macro needs a name or an id")
	}
	if m.ID == uuid.Nil {
		m.ID = MacroID(m.Name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.macros[m.ID]; exists {
		return apierrors.New(apierrors.CodeAlreadyExists, "macro.Library.Add", "macro %q already exists", m.Name)
	}
	l.macros[m.ID] = m
	return nil
}

// Remove drops a macro.
func (l *Library) Remove(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.macros[id]
	delete(l.macros, id)
	return ok
}

// Get returns the macro with id.
func (l *Library) Get(id uuid.UUID) (*Macro, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.macros[id]
	return m, ok
}

// Resolve finds a macro by id string or by name.
func (l *Library) Resolve(ref string) (*Macro, bool) {
	if id, err := uuid.Parse(ref); err == nil {
		return l.Get(id)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.macros {
		if strings.EqualFold(m.Name, ref) {
			return m, true
		}
	}
	return nil, false
}

// List returns every macro ordered by name.
func (l *Library) List() []*Macro {
	l.mu.RLock()
	out := make([]*Macro, 0, len(l.macros))
	for _, m := range l.macros {
		out = append(out, m)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Matching returns the enabled macros bound to ev, ordered by name.
func (l *Library) Matching(ev plugin.Event) []*Macro {
	var out []*Macro
	for _, m := range l.List() {
		if !m.Enabled {
			continue
		}
		for _, b := range m.Bindings {
			if b.Matches(ev) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Definition is the YAML form of a macro.
//
//	- name: greet
//	  on:
//	    - type: timer
//	      name: every-minute
//	  actions:
//	    - action: Hello/Say Hello
//	      args: [operator]
//	    - action: Flow/For Loop
//	      args: ["3"]
//	      do:
//	        - action: Flow/Delay
//	          args: ["100"]
type Definition struct {
	ID          string    `yaml:"id,omitempty"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Disabled    bool      `yaml:"disabled,omitempty"`
	On          []Binding `yaml:"on,omitempty"`
	Actions     []Step    `yaml:"actions"`
}

// Step is one configured action of a Definition. Do and Else fill the
// branches of container actions.
type Step struct {
	Action   string   `yaml:"action"`
	Args     []string `yaml:"args,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
	Do       []Step   `yaml:"do,omitempty"`
	Else     []Step   `yaml:"else,omitempty"`
}

// Branch names used for Step.Do and Step.Else.
const (
	BranchBody = ""
	BranchElse = "else"
)

// Instantiator returns a fresh, unconfigured action for a catalog name such
// as "Flow/Delay".
type Instantiator func(name string) (action.Action, error)

// ReadDefinitions parses a YAML list of macro definitions.
func ReadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.CodeInvalidArgument, "macro.ReadDefinitions", err, "read %s", path)
	}
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, "macro.ReadDefinitions", err, "parse %s", path)
	}
	return defs, nil
}

// Build turns a definition into a Macro. Every action is instantiated,
// configured and validated.
func Build(ctx context.Context, def Definition, newAction Instantiator) (*Macro, error) {
	const op = "macro.Build"
	m := &Macro{
		Name:        def.Name,
		Description: def.Description,
		Enabled:     !def.Disabled,
		Bindings:    def.On,
	}
	if def.ID != "" {
		id, err := uuid.Parse(def.ID)
		if err != nil {
			return nil, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "macro %q id", def.Name)
		}
		m.ID = id
	}
	actions, err := buildSteps(ctx, def.Actions, newAction, def.Name)
	if err != nil {
		return nil, apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration, apierrors.CodeNotFound)
	}
	m.Actions = actions
	return m, nil
}

func buildSteps(ctx context.Context, steps []Step, newAction Instantiator, path string) ([]action.Action, error) {
	out := make([]action.Action, 0, len(steps))
	for i, s := range steps {
		where := fmt.Sprintf("%s[%d] %s", path, i, s.Action)
		a, err := newAction(s.Action)
		if err != nil {
			return nil, apierrors.Wrapf(apierrors.CodeNotFound, "macro.Build", err, "%s", where)
		}
		cfg := action.Config{Args: s.Args, Enabled: !s.Disabled}
		if err := a.Configure(ctx, cfg); err != nil {
			return nil, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, "macro.Build", err, "%s", where)
		}
		if len(s.Do) > 0 || len(s.Else) > 0 {
			container, ok := a.(action.Container)
			if !ok {
				return nil, apierrors.New(apierrors.CodeInvalidConfiguration, "macro.Build", "%s does not take nested actions", where)
			}
			for branch, nested := range map[string][]Step{BranchBody: s.Do, BranchElse: s.Else} {
				if len(nested) == 0 {
					continue
				}
				children, err := buildSteps(ctx, nested, newAction, where)
				if err != nil {
					return nil, err
				}
				if err := container.SetActions(branch, children); err != nil {
					return nil, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, "macro.Build", err, "%s", where)
				}
			}
		}
		if err := a.Validate(); err != nil {
			return nil, apierrors.Wrapf(apierrors.CodeInvalidConfiguration, "macro.Build", err, "%s", where)
		}
		out = append(out, a)
	}
	return out, nil
}
