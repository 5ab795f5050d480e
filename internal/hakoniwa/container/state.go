package container

import (
	"fmt"

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/hakoerr"
)

// State is a container lifecycle state.
type State string

const (
	// StateStopped: the container is defined but has no running process.
	StateStopped State = "stopped"

	// StateStarting: a start is in flight; the backend has been asked to
	// spawn but has not confirmed yet.
	StateStarting State = "starting"

	// StateRunning: the backend confirmed the container process is up.
	StateRunning State = "running"

	// StateStopping: a stop is in flight.
	StateStopping State = "stopping"

	// StateAborted: a start or stop failed. The container is inspectable and
	// requires an explicit reset or destroy; nothing is discarded silently.
	StateAborted State = "aborted"

	// StateDestroyed: terminal. The record is eligible for removal and no
	// further transitions exist.
	StateDestroyed State = "destroyed"
)

// transitions is the legal lifecycle transition table. Self-loops are not
// listed and therefore not legal.
var transitions = map[State][]State{
	StateStopped:   {StateStarting, StateDestroyed},
	StateStarting:  {StateRunning, StateAborted},
	StateRunning:   {StateStopping},
	StateStopping:  {StateStopped, StateAborted},
	StateAborted:   {StateStopped, StateDestroyed},
	StateDestroyed: {},
}

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the from→to edge exists in the transition
// table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns nil when from→to is legal and a wrapped
// ErrIllegalTransition otherwise. The caller's state is never modified here;
// this is a pure legality check.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", hakoerr.ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether s has no outbound transitions.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}
