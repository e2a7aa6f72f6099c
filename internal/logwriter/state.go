package logwriter

import (
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// State is the lifecycle position of one inference request:
// Created -> Dispatched -> Completed | Failed.
type State uint8

const (
	StateCreated State = iota
	StateDispatched
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is the persisted log status for s.
func (s State) Status() store.Status {
	switch s {
	case StateCompleted:
		return store.StatusComplete
	case StateFailed:
		return store.StatusError
	default:
		return store.StatusIncomplete
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transition returns to when s may move there, or s and an error otherwise.
func (s State) Transition(to State) (State, error) {
	switch {
	case s == StateCreated && to == StateDispatched,
		s == StateDispatched && (to == StateCompleted || to == StateFailed):
		return to, nil
	}
	return s, fmt.Errorf("logwriter: invalid transition %s -> %s", s, to)
}
