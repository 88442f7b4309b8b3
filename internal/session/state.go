// ABOUTME: Session lifecycle states and the transitions allowed between them
// ABOUTME: CREATING -> RUNNING -> (DEGRADED -> RUNNING | TERMINATED)

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessCrash is returned when the session's process exits while a turn is waiting on it.
	ErrProcessCrash = errors.New("session process crashed")
	// ErrTurnTimeout is returned when no reply record appears within the turn budget.
	ErrTurnTimeout = errors.New("session turn timed out")
	// ErrTerminated is returned for operations on a terminated session.
	ErrTerminated = errors.New("session terminated")
	// ErrUnknownSession is returned when no live session has the given code.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is a session lifecycle state.
type State int

const (
	StateCreating State = iota
	StateRunning
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, st := range []State{StateCreating, StateRunning, StateDegraded, StateTerminated} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", s)
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// A CREATING session may fail to spawn and stay DEGRADED until the next message.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateCreating:
		return next == StateRunning || next == StateDegraded || next == StateTerminated
	case StateRunning:
		return next == StateDegraded || next == StateTerminated
	case StateDegraded:
		return next == StateRunning || next == StateTerminated
	}
	return false
}
