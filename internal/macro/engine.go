package macro

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// DefaultEventCapacity is the per-subscriber buffer of lifecycle events.
const DefaultEventCapacity = 1024

// Engine owns the execution contexts, one per invocation, in creation order.
// Every id-addressed operation accepts either an execution id or a macro id;
// a macro id selects the oldest active context of that macro, or its newest
// finished one when none is active. All mutations take the write lock for
// the mutation only; no lock is held while an action runs. Operations on an
// id without a context are no-ops.
type Engine struct {
	mu       sync.RWMutex
	contexts []*execContext

	events *broadcaster
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventCapacity sets the per-subscriber lifecycle buffer.
func WithEventCapacity(n int) EngineOption {
	return func(e *Engine) { e.events = newBroadcaster(n) }
}

// NewEngine creates an engine without contexts.
func NewEngine(logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		events:   newBroadcaster(DefaultEventCapacity),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe returns a receiver of lifecycle events and a function that
// cancels the subscription. A slow subscriber loses events; others are not
// affected.
func (e *Engine) Subscribe() (<-chan LifecycleEvent, func()) {
	return e.events.subscribe()
}

// Subscribers returns the number of active subscriptions.
func (e *Engine) Subscribers() int { return e.events.count() }

// mutate runs fn on the context of id under the write lock and publishes the
// event fn returns, if any.
func (e *Engine) mutate(id uuid.UUID, fn func(c *execContext) (EventKind, error)) error {
	e.mu.Lock()
	_, c := e.find(id)
	if c == nil {
		e.mu.Unlock()
		return nil
	}
	kind, err := fn(c)
	var ev LifecycleEvent
	if kind != "" {
		ev = c.event(kind)
	}
	e.mu.Unlock()

	if kind != "" {
		e.events.publish(ev)
	}
	return err
}

// find resolves id under the lock. It returns -1 and nil when nothing matches.
func (e *Engine) find(id uuid.UUID) (int, *execContext) {
	for i, c := range e.contexts {
		if c.id == id {
			return i, c
		}
	}
	finished := -1
	for i, c := range e.contexts {
		if c.macroID != id {
			continue
		}
		if !c.state.Finished() {
			return i, c
		}
		finished = i
	}
	if finished < 0 {
		return -1, nil
	}
	return finished, e.contexts[finished]
}

func (c *execContext) event(kind EventKind) LifecycleEvent {
	ev := LifecycleEvent{Kind: kind, ExecID: c.id, MacroID: c.macroID, State: c.state, Reason: c.reason, Time: time.Now()}
	if c.pc != nil {
		pc := *c.pc
		ev.PC = &pc
	}
	return ev
}

// ExecuteMacro registers a new Idle context for the macro and returns its
// execution id. Starting it is a separate step. Contexts of the same macro
// that are still active are left alone; finished ones are dropped.
func (e *Engine) ExecuteMacro(id uuid.UUID, trigger *plugin.Event) (uuid.UUID, error) {
	if id == uuid.Nil {
		return uuid.Nil, apierrors.New(apierrors.CodeInvalidArgument, "macro.ExecuteMacro", "macro id is empty")
	}
	c := newExecContext(id, trigger)
	e.mu.Lock()
	e.contexts = slices.DeleteFunc(e.contexts, func(old *execContext) bool {
		return old.macroID == id && old.state.Finished()
	})
	e.contexts = append(e.contexts, c)
	ev := c.event(EventCreated)
	e.mu.Unlock()

	e.events.publish(ev)
	return c.id, nil
}

// StartMacro moves an Idle context to Running.
func (e *Engine) StartMacro(id uuid.UUID) error {
	const op = "macro.StartMacro"
	e.mu.RLock()
	_, c := e.find(id)
	e.mu.RUnlock()
	if c == nil {
		return apierrors.New(apierrors.CodeNotFound, op, "macro %s has no context", id)
	}
	return e.mutate(c.id, func(c *execContext) (EventKind, error) {
		if c.state != StateIdle {
			return "", apierrors.New(apierrors.CodeInvalidState, op, "macro %s is %s", id, c.state)
		}
		c.state = StateRunning
		c.startedAt = time.Now()
		return EventStarted, nil
	})
}

// StopMacro removes the context. An action in flight finishes and then
// finds its context gone.
func (e *Engine) StopMacro(id uuid.UUID) error {
	e.mu.Lock()
	i, c := e.find(id)
	if c == nil {
		e.mu.Unlock()
		return nil
	}
	e.contexts = slices.Delete(e.contexts, i, i+1)
	ev := c.event(EventStopped)
	e.mu.Unlock()

	e.events.publish(ev)
	return nil
}

// PauseMacro moves a Running context to Paused. The program counter is not
// touched.
func (e *Engine) PauseMacro(id uuid.UUID) error {
	return e.mutate(id, func(c *execContext) (EventKind, error) {
		if c.state != StateRunning {
			return "", apierrors.New(apierrors.CodeInvalidState, "macro.PauseMacro", "macro %s is %s", id, c.state)
		}
		c.state = StatePaused
		return EventPaused, nil
	})
}

// ResumeMacro moves a Paused context back to Running.
func (e *Engine) ResumeMacro(id uuid.UUID) error {
	return e.mutate(id, func(c *execContext) (EventKind, error) {
		if c.state != StatePaused {
			return "", apierrors.New(apierrors.CodeInvalidState, "macro.ResumeMacro", "macro %s is %s", id, c.state)
		}
		c.state = StateRunning
		return EventResumed, nil
	})
}

// JumpToMacro points the context of from at the first action of to. With
// shouldReturn the current program counter is pushed first so that
// ReturnFromMacro resumes where the jump happened.
func (e *Engine) JumpToMacro(from, to uuid.UUID, shouldReturn bool) error {
	return e.mutate(from, func(c *execContext) (EventKind, error) {
		if shouldReturn && c.pc != nil {
			c.returnStack = append(c.returnStack, *c.pc)
		}
		c.pc = &ProgramCounter{ActionID: to, Index: 0}
		return EventJumped, nil
	})
}

// ReturnFromMacro pops the return stack into the program counter. With an
// empty stack the context completes.
func (e *Engine) ReturnFromMacro(id uuid.UUID) error {
	return e.mutate(id, func(c *execContext) (EventKind, error) {
		if n := len(c.returnStack); n > 0 {
			pc := c.returnStack[n-1]
			c.returnStack = c.returnStack[:n-1]
			c.pc = &pc
			return EventReturned, nil
		}
		c.state = StateCompleted
		return EventCompleted, nil
	})
}

// Fail moves the context to Failed with reason.
func (e *Engine) Fail(id uuid.UUID, reason string) error {
	return e.mutate(id, func(c *execContext) (EventKind, error) {
		if c.state.Finished() {
			return "", nil
		}
		c.state = StateFailed
		c.reason = reason
		return EventFailed, nil
	})
}

// step returns the program counter to execute and advances the stored one
// past it. Only a Running context advances; the state is returned either way.
func (e *Engine) step(id uuid.UUID) (ProgramCounter, State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, c := e.find(id)
	if c == nil {
		return ProgramCounter{}, 0, false
	}
	if c.state != StateRunning || c.pc == nil {
		return ProgramCounter{}, c.state, true
	}
	pc := *c.pc
	c.pc.Index++
	return pc, c.state, true
}

// RecordResult stores the result of the last executed action.
func (e *Engine) RecordResult(id uuid.UUID, r action.Result) {
	_ = e.mutate(id, func(c *execContext) (EventKind, error) {
		clone := r.Clone()
		c.last = &clone
		return EventStep, nil
	})
}

// SetVariable sets a context variable.
func (e *Engine) SetVariable(id uuid.UUID, name string, value any) {
	_ = e.mutate(id, func(c *execContext) (EventKind, error) {
		c.variables[name] = value
		return "", nil
	})
}

// Variable reads a context variable.
func (e *Engine) Variable(id uuid.UUID, name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, c := e.find(id)
	if c == nil {
		return nil, false
	}
	v, ok := c.variables[name]
	return v, ok
}

// Context returns a snapshot of the context id resolves to.
func (e *Engine) Context(id uuid.UUID) (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, c := e.find(id)
	if c == nil {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Contexts returns snapshots of every context in creation order.
func (e *Engine) Contexts() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Snapshot, 0, len(e.contexts))
	for _, c := range e.contexts {
		out = append(out, c.snapshot())
	}
	return out
}

// Scope exposes the context's variables and last result to actions.
func (e *Engine) Scope(id uuid.UUID) action.Scope {
	return &contextScope{engine: e, id: id}
}

type contextScope struct {
	engine *Engine
	id     uuid.UUID
}

func (s *contextScope) Variable(name string) (any, bool) { return s.engine.Variable(s.id, name) }

func (s *contextScope) SetVariable(name string, value any) { s.engine.SetVariable(s.id, name, value) }

func (s *contextScope) LastResult() (action.Result, bool) {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	_, c := s.engine.find(s.id)
	if c == nil || c.last == nil {
		return action.Result{}, false
	}
	return c.last.Clone(), true
}

// SetLastResult lets nested actions record their results.
func (s *contextScope) SetLastResult(r action.Result) { s.engine.RecordResult(s.id, r) }
