package agent

import (
	"fmt"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// State is an agent lifecycle state.
type State string

const (
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// transitions lists the legal successor states. Failed may re-enter Loading
// only through the restart policy; Stopped is final.
var transitions = map[State][]State{
	StateLoading:   {StateReady, StateFailed, StateStopped},
	StateReady:     {StateRunning, StateSuspended, StateStopped, StateFailed},
	StateRunning:   {StateReady, StateSuspended, StateStopped, StateFailed},
	StateSuspended: {StateReady, StateRunning, StateStopped, StateFailed},
	StateFailed:    {StateLoading},
	StateStopped:   nil,
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TransitionError is returned for an illegal lifecycle change.
type TransitionError struct {
	ID   ID
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Is reports a TransitionError as a domain.ErrConflict.
func (e *TransitionError) Is(target error) bool { return target == domain.ErrConflict }
