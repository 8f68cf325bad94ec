// Package poller provides the HTTP client and polling loop shared by the
// readiness poller and the backend start check.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeouts and size limits
//   - [Until]: sequential fixed-delay loop with an optional attempt limit
//   - [Sleep]: context-aware delay
//
// Users of the stager library should not need to interact with this
// package directly.
package poller
