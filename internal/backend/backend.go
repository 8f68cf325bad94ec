package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-stager/stager/internal/poller"
	"github.com/go-stager/stager/internal/store"
)

// Backend is one instance the stager proxies to.
//
// A Backend is created by [Manager.Get] and owns the process started from
// the configured init command. Name, Port and URL are fixed at creation;
// state and last request time are safe for concurrent access.
type Backend struct {
	name    string
	port    int
	url     *url.URL
	proxy   *httputil.ReverseProxy
	manager *Manager

	mu      sync.Mutex
	state   State
	lastReq time.Time
	cmd     *exec.Cmd
}

// Name returns the instance name.
func (b *Backend) Name() string {
	return b.name
}

// Port returns the TCP port allocated to this backend.
func (b *Backend) Port() int {
	return b.port
}

// URL returns the backend URL requests are proxied to.
func (b *Backend) URL() string {
	return b.url.String()
}

// State returns the current lifecycle state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastRequest returns when the backend last served a proxied request.
func (b *Backend) LastRequest() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReq
}

// ServeHTTP proxies the request to the backend and marks it as used.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.lastReq = time.Now()
	b.mu.Unlock()

	b.proxy.ServeHTTP(w, r)
}

func (b *Backend) status() store.InstanceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return store.InstanceStatus{
		Name:        b.name,
		Port:        b.port,
		URL:         b.url.String(),
		State:       b.state.String(),
		LastRequest: b.lastReq,
		UpdatedAt:   time.Now(),
	}
}

func (b *Backend) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// transition records the new state and reports it to the manager.
func (b *Backend) transition(state State) {
	b.setState(state)
	b.manager.observe(b, state)
}

// advance transitions only if the backend is still in state from.
func (b *Backend) advance(from, to State) bool {
	b.mu.Lock()
	if b.state != from {
		b.mu.Unlock()
		return false
	}
	b.state = to
	b.mu.Unlock()

	b.manager.observe(b, to)
	return true
}

// start runs the init command, then watches the process from two
// goroutines: one checks until the backend answers, the other waits for the
// process to exit.
func (b *Backend) start(ctx context.Context, command []string) {
	m := b.manager

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("STAGER_PORT=%d", b.port),
		fmt.Sprintf("STAGER_NAME=%s", b.name),
	)
	cmd.Stdout = m.stdout
	cmd.Stderr = m.stderr

	if err := cmd.Start(); err != nil {
		m.logger.Error("backend failed to start",
			"name", b.name,
			"port", b.port,
			"error", err.Error(),
		)
		b.transition(StateErrored)
		b.finish()
		return
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	b.transition(StateStarted)
	go b.startCheck(ctx)
	go b.wait()
}

// startCheck sends the backend HEAD requests until it answers with a
// status below 500, then marks it running.
func (b *Backend) startCheck(ctx context.Context) {
	m := b.manager

	if err := poller.Sleep(ctx, m.checkDelay); err != nil {
		return
	}

	err := poller.Until(ctx, m.checkDelay, m.checkAttempts, func(ctx context.Context) (bool, error) {
		if b.State() != StateStarted {
			// exited or errored while we were checking
			return true, nil
		}

		resp := m.client.Fetch(ctx, poller.Request{
			Method:  http.MethodHead,
			URL:     b.url.String(),
			Timeout: checkTimeout,
		})
		switch {
		case resp.Error != nil:
			m.logger.Debug("backend not reachable yet", "name", b.name, "error", resp.Error.Error())
			return false, nil
		case resp.StatusCode >= http.StatusInternalServerError:
			m.logger.Debug("backend answered with server error", "name", b.name, "status_code", resp.StatusCode)
			return false, nil
		}

		b.advance(StateStarted, StateRunning)
		return true, nil
	})

	if errors.Is(err, poller.ErrAttemptsExhausted) {
		m.logger.Warn("backend never became reachable",
			"name", b.name,
			"url", b.url.String(),
			"attempts", m.checkAttempts,
		)
	}
}

// wait blocks until the process exits.
func (b *Backend) wait() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()

	if err := cmd.Wait(); err != nil {
		b.manager.logger.Warn("backend exited with error", "name", b.name, "error", err.Error())
		b.transition(StateErrored)
		b.finish()
		return
	}
	b.finish()
}

// finish moves the backend to finished, holding an errored state first so
// it can still be reported. The hold ends early when the manager shuts down.
func (b *Backend) finish() {
	m := b.manager

	if b.State() == StateErrored {
		// cut short on shutdown
		_ = poller.Sleep(m.ctx, m.errorHold)
	}

	m.logger.Info("backend exited", "name", b.name, "port", b.port)

	b.mu.Lock()
	b.cmd = nil
	b.mu.Unlock()

	b.transition(StateFinished)
}

// interrupt asks a started or running process to stop.
func (b *Backend) interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateStarted && b.state != StateRunning {
		return
	}
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	if err := b.cmd.Process.Signal(os.Interrupt); err != nil {
		b.manager.logger.Warn("failed to interrupt backend", "name", b.name, "error", err.Error())
	}
}
