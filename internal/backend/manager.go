package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/go-stager/stager/config"
	"github.com/go-stager/stager/internal/poller"
	"github.com/go-stager/stager/internal/store"
)

var (
	// ErrNoPorts is returned when every port in the configured range is in use.
	ErrNoPorts = errors.New("not enough ports remain")

	// ErrUnknownHost is returned when a host does not belong to the stager's
	// domain suffix.
	ErrUnknownHost = errors.New("host does not match the domain suffix")
)

// proxyTarget is the data available to the proxy_format template.
type proxyTarget struct {
	Name string
	Port int
}

// Manager allocates ports and backends on demand and watches their
// lifecycle.
//
// Every state change is published to the [store.Store]. Finished backends
// are removed and their ports returned to the pool. Call [Manager.Run] to
// reap idle backends; cancelling its context interrupts every backend.
type Manager struct {
	suffix        string
	command       []string
	idleTime      time.Duration
	proxyTemplate *template.Template
	store         store.Store
	logger        *slog.Logger
	client        *poller.Client
	stdout        io.Writer
	stderr        io.Writer

	checkDelay    time.Duration
	checkAttempts int
	errorHold     time.Duration
	idleCheck     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	backends   map[string]*Backend
	availPorts []int
}

// NewManager creates a manager for the port range and init command in cfg.
//
// Returns an error if the proxy_format template does not parse.
func NewManager(cfg *config.Config, st store.Store, logger *slog.Logger) (*Manager, error) {
	tmpl, err := template.New("proxy").Parse(cfg.ProxyFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy_format: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	// stack of ports, highest first, so the lowest is handed out first
	first, last := cfg.Ports()
	ports := make([]int, 0, cfg.MaxInstances)
	for p := last; p >= first; p-- {
		ports = append(ports, p)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		suffix:        strings.ToLower(cfg.DomainSuffix),
		command:       append([]string(nil), cfg.InitCommand...),
		idleTime:      cfg.IdleTime.Duration(),
		proxyTemplate: tmpl,
		store:         st,
		logger:        logger,
		client:        poller.NewClient(),
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		checkDelay:    CheckDelay,
		checkAttempts: CheckAttempts,
		errorHold:     ErroredHold,
		idleCheck:     IdleCheck,
		ctx:           ctx,
		cancel:        cancel,
		backends:      make(map[string]*Backend),
		availPorts:    ports,
	}, nil
}

// InstanceName strips the domain suffix from a request host.
func (m *Manager) InstanceName(host string) (string, error) {
	host = strings.ToLower(host)
	if !strings.HasSuffix(host, m.suffix) {
		return "", fmt.Errorf("%w: %q", ErrUnknownHost, host)
	}
	name := strings.TrimSuffix(host, m.suffix)
	if name == "" {
		return "", fmt.Errorf("%w: %q has no instance name", ErrUnknownHost, host)
	}
	return name, nil
}

// Get returns the backend for a request host, creating and starting it if
// it does not exist yet.
func (m *Manager) Get(host string) (*Backend, error) {
	name, err := m.InstanceName(host)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if b, ok := m.backends[name]; ok {
		m.mu.Unlock()
		return b, nil
	}
	b, err := m.newBackendLocked(name)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("making new instance", "name", name, "port", b.port, "url", b.url.String())
	m.store.Update(b.status())

	go b.start(m.ctx, m.command)
	return b, nil
}

// newBackendLocked allocates a port and builds the backend. m.mu must be held.
func (m *Manager) newBackendLocked(name string) (*Backend, error) {
	port, err := m.allocatePortLocked()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := m.proxyTemplate.Execute(&buf, proxyTarget{Name: name, Port: port}); err != nil {
		m.releasePortLocked(port)
		return nil, fmt.Errorf("failed to render proxy_format: %w", err)
	}
	target, err := url.Parse(buf.String())
	if err != nil {
		m.releasePortLocked(port)
		return nil, fmt.Errorf("invalid backend url %q: %w", buf.String(), err)
	}

	b := &Backend{
		name:    name,
		port:    port,
		url:     target,
		manager: m,
		state:   StateNew,
		lastReq: time.Now(),
	}
	b.proxy = httputil.NewSingleHostReverseProxy(target)
	b.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		m.logger.Warn("proxy error", "name", name, "path", r.URL.Path, "error", err.Error())
		http.Error(w, "Bad gateway: "+err.Error(), http.StatusBadGateway)
	}

	m.backends[name] = b
	return b, nil
}

// allocatePortLocked takes the most recently freed port, or the lowest
// unused one, out of the pool. m.mu must be held.
func (m *Manager) allocatePortLocked() (int, error) {
	l := len(m.availPorts)
	if l == 0 {
		return 0, ErrNoPorts
	}
	port := m.availPorts[l-1]
	m.availPorts = m.availPorts[:l-1]
	return port, nil
}

// releasePortLocked returns a port to the pool. m.mu must be held.
func (m *Manager) releasePortLocked(port int) {
	m.availPorts = append(m.availPorts, port)
}

// Backends returns a snapshot of the live backends.
func (m *Manager) Backends() []*Backend {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		result = append(result, b)
	}
	return result
}

// observe publishes a transition and reaps finished backends.
func (m *Manager) observe(b *Backend, state State) {
	m.store.Update(b.status())
	m.logger.Info("backend state changed", "name", b.name, "port", b.port, "state", state.String())

	if state == StateFinished {
		m.reap(b)
	}
}

// reap frees a finished backend's port and name. The store entry is removed
// under m.mu, so a backend created for the same name afterwards is never
// removed in its place.
func (m *Manager) reap(b *Backend) {
	b.setState(StateReaped)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backends[b.name] == b {
		delete(m.backends, b.name)
		m.store.Remove(b.name)
	}
	m.releasePortLocked(b.port)
}

// Run interrupts idle backends until ctx is cancelled, then interrupts all
// backends and stops pending start checks. Always returns nil.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C:
			m.interruptIdle()
		}
	}
}

func (m *Manager) interruptIdle() {
	for _, b := range m.Backends() {
		if idle := time.Since(b.LastRequest()); idle > m.idleTime {
			m.logger.Info("killing idle backend", "name", b.name, "idle", idle.Round(time.Second).String())
			b.interrupt()
		}
	}
}

func (m *Manager) shutdown() {
	m.cancel()
	for _, b := range m.Backends() {
		b.interrupt()
	}
	m.client.Close()
}
