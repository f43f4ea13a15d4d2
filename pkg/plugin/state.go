package plugin

import (
	"errors"
	"fmt"
)

// State is a plugin lifecycle state.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition is returned when a lifecycle call is made in the wrong state.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError records a rejected transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether the lifecycle allows from -> to.
// Created -> Initialized -> Running <-> Stopped; Error from anywhere.
func CanTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	switch from {
	case StateCreated:
		return to == StateInitialized
	case StateInitialized:
		return to == StateRunning
	case StateRunning:
		return to == StateStopped
	case StateStopped:
		return to == StateRunning
	default:
		return false
	}
}
