package session

import "fmt"

// State of a fill session. Terminal states require a fresh session; a
// paused session can run again.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateAborted
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
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the session can never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// canTransition encodes the state machine: Idle → Running,
// Running → {Paused, Completed, Aborted}, Paused → {Running, Aborted}.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateRunning || to == StateAborted
	case StateRunning:
		return to == StatePaused || to == StateCompleted || to == StateAborted
	case StatePaused:
		return to == StateRunning || to == StateAborted
	}
	return false
}
