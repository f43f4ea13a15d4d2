// Package action indexes the action tree contributed by plugins and executes
// actions on behalf of the host and the macro engine.
package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/metrics"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// Manager owns the root of the action tree. Plugin groups hang directly
// below the root.
type Manager struct {
	mu      sync.RWMutex
	root    *action.Group
	logger  *slog.Logger
	metrics *metrics.ActionMetrics
}

// NewManager creates a manager with an empty tree.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:    action.NewGroup(plugin.Info{}, "", ""),
		logger:  logger,
		metrics: metrics.Actions(),
	}
}

// RegisterGroup adds g below the root. An action id already present anywhere
// in the tree fails with AlreadyExists.
func (m *Manager) RegisterGroup(g *action.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addGroup("action.RegisterGroup", g)
}

func (m *Manager) addGroup(op string, g *action.Group) error {
	if err := m.root.AddGroup(g); err != nil {
		var dup *action.DuplicateIDError
		if errors.As(err, &dup) {
			return apierrors.Wrap(apierrors.CodeAlreadyExists, op, err)
		}
		return apierrors.Wrap(apierrors.CodeInvalidConfiguration, op, err)
	}
	return nil
}

// RemovePluginGroups drops every top-level group owned by the plugin and
// returns how many were removed.
func (m *Manager) RemovePluginGroups(pluginID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.RemoveGroups(func(g *action.Group) bool { return g.Plugin.ID == pluginID })
}

// ReplacePluginGroups swaps the plugin's groups for groups. If any of the new
// groups is rejected the previous groups are restored.
func (m *Manager) ReplacePluginGroups(pluginID uuid.UUID, groups []*action.Group) error {
	const op = "action.ReplacePluginGroups"
	m.mu.Lock()
	defer m.mu.Unlock()

	var previous []*action.Group
	for _, g := range m.root.Groups() {
		if g.Plugin.ID == pluginID {
			previous = append(previous, g)
		}
	}
	m.root.RemoveGroups(func(g *action.Group) bool { return g.Plugin.ID == pluginID })

	for i, g := range groups {
		if err := m.addGroup(op, g); err != nil {
			m.root.RemoveGroups(func(g *action.Group) bool { return g.Plugin.ID == pluginID })
			for _, p := range previous {
				_ = m.root.AddGroup(p)
			}
			m.logger.Warn("action groups rejected", "plugin", pluginID, "group", groups[i].Name, "error", err)
			return err
		}
	}
	return nil
}

// Find looks an action up by id.
func (m *Manager) Find(id uuid.UUID) (action.Action, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.FindAction(id)
}

// FindByName looks an action up by name or "Group/Name" path.
func (m *Manager) FindByName(name string) (action.Action, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.FindByName(name)
}

// NewInstance returns a fresh, unconfigured copy of the catalog action id
// for use in a macro.
func (m *Manager) NewInstance(id uuid.UUID) (action.Action, error) {
	const op = "action.NewInstance"
	a, ok := m.Find(id)
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotFound, op, "action %s not found", id)
	}
	inst, ok := a.(action.Instancer)
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotSupported, op, "action %q cannot be instantiated", a.Name())
	}
	return inst.NewInstance(), nil
}

// Instantiate is NewInstance by name or "Group/Name" path. It satisfies the
// macro builder's instantiator.
func (m *Manager) Instantiate(name string) (action.Action, error) {
	const op = "action.Instantiate"
	a, ok := m.FindByName(name)
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotFound, op, "action %q not found", name)
	}
	inst, ok := a.(action.Instancer)
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotSupported, op, "action %q cannot be instantiated", name)
	}
	return inst.NewInstance(), nil
}

// ExecuteAction runs the action with the given id for event. An action that
// does not accept the event's type is rejected before Compile or Execute is
// called. The action's own result and error are returned unchanged.
func (m *Manager) ExecuteAction(ctx context.Context, id uuid.UUID, event plugin.Event) (action.Result, error) {
	const op = "action.ExecuteAction"

	a, ok := m.Find(id)
	if !ok {
		return action.Result{}, apierrors.New(apierrors.CodeNotFound, op, "action %s not found", id)
	}
	if !action.Supports(a, event.Type) {
		m.metrics.RecordExecution("rejected", 0)
		return action.Result{}, apierrors.New(apierrors.CodeInvalidOperation, op,
			"action %q does not support %s events", a.Name(), event.Type)
	}
	if !a.Executable() || !action.Enabled(a) {
		m.metrics.RecordExecution("rejected", 0)
		return action.Result{}, apierrors.New(apierrors.CodeInvalidOperation, op,
			"action %q is disabled", a.Name())
	}
	return Run(ctx, a, event, m.metrics)
}

// Run compiles and executes a outside any tree lock.
func Run(ctx context.Context, a action.Action, event plugin.Event, m *metrics.ActionMetrics) (action.Result, error) {
	start := time.Now()
	if err := a.Compile(ctx); err != nil {
		m.RecordExecution("error", time.Since(start))
		return action.Result{}, err
	}
	res, err := a.Execute(ctx, event)
	switch {
	case err != nil:
		m.RecordExecution("error", time.Since(start))
	case res.Success:
		m.RecordExecution("success", time.Since(start))
	default:
		m.RecordExecution("failure", time.Since(start))
	}
	return res, err
}

// ActionsForEventType collects every action accepting t in depth-first order.
func (m *Manager) ActionsForEventType(t plugin.EventType) []action.Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.ActionsFor(t)
}

// Walk visits every action under the read lock until fn returns false.
func (m *Manager) Walk(fn func(action.Action) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.root.Walk(fn)
}

// Count returns the number of actions in the tree.
func (m *Manager) Count() int {
	n := 0
	m.Walk(func(action.Action) bool {
		n++
		return true
	})
	return n
}

// ActionView is the read-only description of an action.
type ActionView struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Plugin      string    `json:"plugin"`
	EventTypes  []string  `json:"event_types"`
	IconPath    string    `json:"icon,omitempty"`
	HelpURL     string    `json:"help,omitempty"`
	Executable  bool      `json:"executable"`
}

// GroupView is the read-only description of a group and its subtree.
type GroupView struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Plugin      string       `json:"plugin"`
	Expanded    bool         `json:"expanded"`
	Actions     []ActionView `json:"actions"`
	Groups      []GroupView  `json:"groups,omitempty"`
}

// Tree returns a snapshot of the plugin groups.
func (m *Manager) Tree() []GroupView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GroupView, 0, len(m.root.Groups()))
	for _, g := range m.root.Groups() {
		out = append(out, viewGroup(g))
	}
	return out
}

// View describes a single action.
func View(a action.Action) ActionView {
	types := make([]string, 0, len(a.SupportedEventTypes()))
	for _, t := range a.SupportedEventTypes() {
		types = append(types, t.String())
	}
	return ActionView{
		ID:          a.ID(),
		Name:        a.Name(),
		Description: a.Description(),
		Plugin:      a.Plugin().Name,
		EventTypes:  types,
		IconPath:    a.IconPath(),
		HelpURL:     a.HelpURL(),
		Executable:  a.Executable(),
	}
}

func viewGroup(g *action.Group) GroupView {
	v := GroupView{
		Name:        g.Name,
		Description: g.Description,
		Plugin:      g.Plugin.Name,
		Expanded:    g.Expanded,
		Actions:     make([]ActionView, 0, len(g.Actions())),
	}
	for _, a := range g.Actions() {
		v.Actions = append(v.Actions, View(a))
	}
	for _, child := range g.Groups() {
		v.Groups = append(v.Groups, viewGroup(child))
	}
	return v
}
