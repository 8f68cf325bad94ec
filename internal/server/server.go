package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-stager/stager/config"
	"github.com/go-stager/stager/internal/backend"
	"github.com/go-stager/stager/internal/store"
)

const (
	staticPrefix = "/_stager/static/"
	apiPrefix    = "/_stager/api/"

	loadingTemplate = "templates/loading.html"

	shutdownTimeout = 5 * time.Second
)

// Instance is the part of a backend the server routes requests to.
type Instance interface {
	Name() string
	Port() int
	State() backend.State
	http.Handler
}

// Backends resolves a request host to its instance, creating it on first
// use.
type Backends interface {
	Lookup(host string) (Instance, error)
}

type managerBackends struct {
	m *backend.Manager
}

// FromManager adapts a [backend.Manager] to [Backends].
func FromManager(m *backend.Manager) Backends {
	return managerBackends{m: m}
}

func (mb managerBackends) Lookup(host string) (Instance, error) {
	b, err := mb.m.Get(host)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Server handles stager HTTP requests.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	listen      string
	holdFor     time.Duration
	holdRecheck time.Duration
	backends    Backends
	store       store.Store
	static      fs.FS
	loading     *template.Template
	logger      *slog.Logger

	httpServer *http.Server
	addr       net.Addr
	done       chan struct{}
	once       sync.Once
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - cfg: listen address, hold_for and resource_dir are used
//   - backends: resolves hosts to instances
//   - st: store holding instance statuses
//   - assets: filesystem with static/ and templates/, used unless
//     cfg.ResourceDir is set
//   - logger: logger for server events
//
// Returns an error if the loading template is missing or does not parse.
// The server is not started until [Server.Start] is called.
func NewServer(cfg *config.Config, backends Backends, st store.Store, assets fs.FS, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	resources := assets
	if cfg.ResourceDir != "" {
		resources = os.DirFS(cfg.ResourceDir)
	}
	if resources == nil {
		return nil, errors.New("no resources: assets is nil and resource_dir is not set")
	}

	loading, err := template.ParseFS(resources, loadingTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to load loading template: %w", err)
	}
	static, err := fs.Sub(resources, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to open static resources: %w", err)
	}

	return &Server{
		listen:      cfg.Listen,
		holdFor:     cfg.HoldFor.Duration(),
		holdRecheck: holdRecheck,
		backends:    backends,
		store:       st,
		static:      static,
		loading:     loading,
		logger:      logger,
		done:        make(chan struct{}),
	}, nil
}

// Handler returns the root handler: static assets, the API and everything
// else to the backend for the request host.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(staticPrefix, http.StripPrefix(staticPrefix, http.FileServer(http.FS(s.static))))
	mux.Handle(apiPrefix, http.StripPrefix(apiPrefix, http.HandlerFunc(s.handleAPI)))
	mux.HandleFunc("/", s.handleBackend)
	return s.recoverer(mux)
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout. [Server.Wait] blocks until that shutdown has finished.
//
// Returns an error if the server fails to bind to the listen address.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify the address synchronously
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts end with ctx, so held requests and event streams
		// stop on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("stager listening", "addr", s.addr.String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		defer s.once.Do(func() { close(s.done) })

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server is bound to, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Wait blocks until a started server has shut down.
func (s *Server) Wait() {
	<-s.done
}
