package stager

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by [Poller.Start] when the poller is already
// polling.
var ErrAlreadyRunning = errors.New("poller is already running")

// PollFailure is the terminal error of the readiness poller.
//
// It is returned by [Poller.Start] for any non-200 response or transport
// error. Status code categories are not distinguished; Message is what was
// shown on the [StatusDisplay].
type PollFailure struct {
	// StatusCode is the HTTP status code, zero for transport errors.
	StatusCode int

	// Message is the response body or [DefaultErrorMessage].
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

func (f *PollFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("readiness poll failed: %s: %v", f.Message, f.Err)
	}
	return fmt.Sprintf("readiness poll failed with status %d: %s", f.StatusCode, f.Message)
}

// Unwrap returns the underlying transport error.
func (f *PollFailure) Unwrap() error {
	return f.Err
}
