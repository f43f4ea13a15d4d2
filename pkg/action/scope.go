package action

import "context"

// Scope exposes the variables of the macro execution an action runs in.
type Scope interface {
	Variable(name string) (any, bool)
	SetVariable(name string, value any)
	// LastResult is the result of the previous action in this execution.
	LastResult() (Result, bool)
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope carried by ctx. Outside a macro it returns a
// throwaway scope so actions can always read and write variables.
func ScopeFrom(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return NewMapScope()
}

// MapScope is a plain in-memory Scope.
type MapScope struct {
	vars map[string]any
	last *Result
}

// NewMapScope returns an empty scope.
func NewMapScope() *MapScope {
	return &MapScope{vars: make(map[string]any)}
}

func (s *MapScope) Variable(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

func (s *MapScope) SetVariable(name string, value any) { s.vars[name] = value }

func (s *MapScope) LastResult() (Result, bool) {
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// SetLastResult records r as the previous result.
func (s *MapScope) SetLastResult(r Result) {
	c := r.Clone()
	s.last = &c
}
