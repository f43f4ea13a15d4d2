// Package macro runs user-authored macros. The Engine keeps an execution
// context per invocation with a program counter and a return stack; the
// Runner drives a context through the macro's actions.
package macro

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// State is the execution state of a context.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for s := StateIdle; s <= StateFailed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown macro state %q", name)
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Finished reports whether no further actions will run.
func (s State) Finished() bool { return s == StateCompleted || s == StateFailed }

// ProgramCounter points at the next action to run: the macro whose action
// list is executing and the index within it.
type ProgramCounter struct {
	ActionID uuid.UUID `json:"action_id"`
	Index    int       `json:"index"`
}

// execContext is one execution of a macro. It is only touched under the
// engine lock.
type execContext struct {
	id          uuid.UUID
	macroID     uuid.UUID
	trigger     *plugin.Event
	pc          *ProgramCounter
	returnStack []ProgramCounter
	variables   map[string]any
	state       State
	reason      string
	last        *action.Result
	startedAt   time.Time
}

func newExecContext(macroID uuid.UUID, trigger *plugin.Event) *execContext {
	var ev *plugin.Event
	if trigger != nil {
		copied := *trigger
		ev = &copied
	}
	return &execContext{
		id:        uuid.New(),
		macroID:   macroID,
		trigger:   ev,
		pc:        &ProgramCounter{ActionID: macroID},
		variables: make(map[string]any),
		state:     StateIdle,
		startedAt: time.Now(),
	}
}

// Snapshot is a copy of a context's public state.
type Snapshot struct {
	ID          uuid.UUID        `json:"id"`
	MacroID     uuid.UUID        `json:"macro_id"`
	Trigger     *plugin.Event    `json:"trigger,omitempty"`
	PC          *ProgramCounter  `json:"pc,omitempty"`
	ReturnStack []ProgramCounter `json:"return_stack"`
	Variables   map[string]any   `json:"variables"`
	State       State            `json:"state"`
	Reason      string           `json:"reason,omitempty"`
	LastResult  *action.Result   `json:"last_result,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
}

func (c *execContext) snapshot() Snapshot {
	s := Snapshot{
		ID:          c.id,
		MacroID:     c.macroID,
		Trigger:     c.trigger,
		ReturnStack: append([]ProgramCounter(nil), c.returnStack...),
		Variables:   make(map[string]any, len(c.variables)),
		State:       c.state,
		Reason:      c.reason,
		StartedAt:   c.startedAt,
	}
	if c.pc != nil {
		pc := *c.pc
		s.PC = &pc
	}
	if c.last != nil {
		r := c.last.Clone()
		s.LastResult = &r
	}
	for k, v := range c.variables {
		s.Variables[k] = v
	}
	return s
}
