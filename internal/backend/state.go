package backend

import (
	"strconv"
	"time"
)

// State is the lifecycle state of a backend.
type State int

const (
	StateNew      State = iota // Newly created backend
	StateStarted               // Backend process is started
	StateRunning               // Backend is accepting connections
	StateFinished              // Backend process has exited
	StateReaped                // Finished backend has been cleaned up
	StateErrored               // Backend process exited with an error
)

// String returns the lower-case state name used in logs and the store.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateReaped:
		return "reaped"
	case StateErrored:
		return "errored"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Starting reports whether the backend has not yet accepted connections.
func (s State) Starting() bool {
	return s == StateNew || s == StateStarted
}

const (
	// CheckDelay is the pause before the first start check and between checks.
	CheckDelay = 200 * time.Millisecond

	// CheckAttempts caps start checks; a backend that never answers stays started.
	CheckAttempts = 1000

	// IdleCheck is how often idle backends are looked for.
	IdleCheck = 10 * time.Second

	// ErroredHold is how long an errored backend is kept before it is reaped,
	// so requests in that window can report the error.
	ErroredHold = 5 * time.Second

	checkTimeout = 5 * time.Second
)
