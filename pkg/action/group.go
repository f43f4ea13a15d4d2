package action

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/pkg/plugin"
)

// Group is a node in the action tree. It owns its actions and child groups.
// Action ids are unique across the whole tree a group belongs to, whether an
// action is added before or after its group is attached. A group belongs to
// at most one parent. Groups are not safe for concurrent mutation; the
// action manager guards the tree it holds.
type Group struct {
	Name        string
	Description string
	IconPath    string
	Plugin      plugin.Info
	Expanded    bool

	parent  *Group
	actions []Action
	groups  []*Group
}

// NewGroup creates an empty group owned by owner.
func NewGroup(owner plugin.Info, name, description string) *Group {
	return &Group{Name: name, Description: description, Plugin: owner}
}

// DuplicateIDError is returned when an action id already exists in a tree.
type DuplicateIDError struct {
	ID uuid.UUID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("action %s already exists", e.ID)
}

// InvalidActionError wraps a Validate failure.
type InvalidActionError struct {
	Name string
	Err  error
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("action %q is invalid: %v", e.Name, e.Err)
}

func (e *InvalidActionError) Unwrap() error { return e.Err }

// AddAction validates a and appends it. The id is checked against the whole
// tree, not just g.
func (g *Group) AddAction(a Action) error {
	if err := a.Validate(); err != nil {
		return &InvalidActionError{Name: a.Name(), Err: err}
	}
	if _, exists := g.root().FindAction(a.ID()); exists {
		return &DuplicateIDError{ID: a.ID()}
	}
	g.actions = append(g.actions, a)
	return nil
}

func (g *Group) root() *Group {
	for g.parent != nil {
		g = g.parent
	}
	return g
}

// AddGroup attaches child below g. A child that already has a parent, or
// that would close a cycle, is rejected, as is any action id of child
// already present in g's tree.
func (g *Group) AddGroup(child *Group) error {
	if child.parent != nil {
		return fmt.Errorf("group %q is already attached to %q", child.Name, child.parent.Name)
	}
	for p := g; p != nil; p = p.parent {
		if p == child {
			return fmt.Errorf("group %q cannot contain itself", child.Name)
		}
	}
	tree := g.root()
	var dup error
	child.Walk(func(a Action) bool {
		if _, exists := tree.FindAction(a.ID()); exists {
			dup = &DuplicateIDError{ID: a.ID()}
			return false
		}
		return true
	})
	if dup != nil {
		return dup
	}
	child.parent = g
	g.groups = append(g.groups, child)
	return nil
}

// RemoveGroups drops direct children for which drop returns true.
func (g *Group) RemoveGroups(drop func(*Group) bool) int {
	kept := g.groups[:0]
	removed := 0
	for _, child := range g.groups {
		if drop(child) {
			child.parent = nil
			removed++
			continue
		}
		kept = append(kept, child)
	}
	clear(g.groups[len(kept):])
	g.groups = kept
	return removed
}

// Actions returns the group's own actions.
func (g *Group) Actions() []Action { return g.actions }

// Groups returns the direct child groups.
func (g *Group) Groups() []*Group { return g.groups }

// FindAction searches depth-first: own actions first, then children in order.
func (g *Group) FindAction(id uuid.UUID) (Action, bool) {
	for _, a := range g.actions {
		if a.ID() == id {
			return a, true
		}
	}
	for _, child := range g.groups {
		if a, ok := child.FindAction(id); ok {
			return a, true
		}
	}
	return nil, false
}

// FindByName returns the first action named name, searching like FindAction.
// A "Group/Action" path restricts the search to groups with that name.
func (g *Group) FindByName(name string) (Action, bool) {
	var found Action
	g.walkPath("", func(path string, a Action) bool {
		if a.Name() == name || path+a.Name() == name {
			found = a
			return false
		}
		return true
	})
	return found, found != nil
}

// Walk visits every action depth-first until fn returns false.
func (g *Group) Walk(fn func(Action) bool) bool {
	return g.walkPath("", func(_ string, a Action) bool { return fn(a) })
}

func (g *Group) walkPath(prefix string, fn func(path string, a Action) bool) bool {
	path := prefix
	if g.Name != "" {
		path = prefix + g.Name + "/"
	}
	for _, a := range g.actions {
		if !fn(path, a) {
			return false
		}
	}
	for _, child := range g.groups {
		if !child.walkPath(path, fn) {
			return false
		}
	}
	return true
}

// ActionsFor collects every action accepting t, in depth-first order.
func (g *Group) ActionsFor(t plugin.EventType) []Action {
	var out []Action
	g.Walk(func(a Action) bool {
		if Supports(a, t) {
			out = append(out, a)
		}
		return true
	})
	return out
}
