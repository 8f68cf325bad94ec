package stager

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// DisplayState is the state of a [StatusDisplay].
type DisplayState string

const (
	// DisplayPolling is the initial state while readiness is being polled.
	DisplayPolling DisplayState = "polling"

	// DisplayError is the terminal state after a failed poll.
	DisplayError DisplayState = "error"
)

// StatusDisplay renders the poller's status to the user.
//
// A display is owned by a single [Poller] and is only written by its polling
// loop. ShowPolling is called once when polling starts; ShowError is called
// when a poll fails, after which no further calls are made.
type StatusDisplay interface {
	ShowPolling()
	ShowError(message string)
}

// TerminalDisplay is a [StatusDisplay] that writes colored status lines to a
// terminal.
//
// Colors are disabled automatically when the writer is not a TTY (see
// [color.NoColor]).
type TerminalDisplay struct {
	mu      sync.Mutex
	w       io.Writer
	state   DisplayState
	message string
}

// NewTerminalDisplay creates a [TerminalDisplay] writing to w.
// If w is nil, os.Stderr is used.
func NewTerminalDisplay(w io.Writer) *TerminalDisplay {
	if w == nil {
		w = os.Stderr
	}
	return &TerminalDisplay{w: w, state: DisplayPolling}
}

// ShowPolling writes the waiting line.
func (d *TerminalDisplay) ShowPolling() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = DisplayPolling
	d.message = ""
	_, _ = color.New(color.FgCyan).Fprintln(d.w, "► waiting for instance to become ready...")
}

// ShowError writes the failure message.
func (d *TerminalDisplay) ShowError(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = DisplayError
	d.message = message
	_, _ = color.New(color.FgRed, color.Bold).Fprintln(d.w, fmt.Sprintf("✗ %s", message))
}

// ShowReady writes the success line. It is not part of [StatusDisplay]
// and is meant to be called from a ready action.
func (d *TerminalDisplay) ShowReady() {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, _ = color.New(color.FgGreen).Fprintln(d.w, "✔ instance is ready")
}

// State returns the current display state and message.
func (d *TerminalDisplay) State() (DisplayState, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.message
}

// discardDisplay is used when no display is configured.
type discardDisplay struct{}

func (discardDisplay) ShowPolling()     {}
func (discardDisplay) ShowError(string) {}
