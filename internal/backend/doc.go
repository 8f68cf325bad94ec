// Package backend starts and supervises the processes behind stager
// instances.
//
// Each instance name gets a port from a fixed range and a process started
// from the configured init command, with STAGER_PORT and STAGER_NAME in its
// environment. A backend moves through these states:
//
//	new -> started -> running -> finished -> reaped
//	          \          \
//	           `----------`-> errored -> finished -> reaped
//
// A started backend becomes running once a HEAD request gets an answer below
// 500. Backends idle for longer than the configured idle time are
// interrupted.
package backend
