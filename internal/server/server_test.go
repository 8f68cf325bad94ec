package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-stager/stager/assets"
	"github.com/go-stager/stager/config"
	"github.com/go-stager/stager/internal/backend"
	"github.com/go-stager/stager/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInstance is an Instance whose state tests set directly.
type fakeInstance struct {
	name   string
	port   int
	mu     sync.Mutex
	state  backend.State
	served atomic.Int32
	panics bool
}

func (f *fakeInstance) Name() string { return f.name }
func (f *fakeInstance) Port() int    { return f.port }

func (f *fakeInstance) State() backend.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeInstance) setState(s backend.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.panics {
		panic("backend exploded")
	}
	f.served.Add(1)
	_, _ = fmt.Fprintf(w, "proxied %s %s %s", f.name, r.Method, r.URL.Path)
}

// fakeBackends maps hosts to instances.
type fakeBackends struct {
	instances map[string]*fakeInstance
	err       error
}

func (f *fakeBackends) Lookup(host string) (Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	inst, ok := f.instances[host]
	if !ok {
		return nil, fmt.Errorf("no instance for %q", host)
	}
	return inst, nil
}

const testHost = "feature-x.stager:8000"

func testAssets() fstest.MapFS {
	return fstest.MapFS{
		"static/js/stager.js":    {Data: []byte("// poller")},
		"templates/loading.html": {Data: []byte(`<p class="status">loading {{.Name}} on {{.Port}}</p>`)},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, state backend.State) (*Server, *fakeInstance, *store.MemoryStore) {
	t.Helper()

	if cfg == nil {
		cfg = config.Default()
	}
	inst := &fakeInstance{name: "feature-x", port: 4200, state: state}
	backends := &fakeBackends{instances: map[string]*fakeInstance{testHost: inst}}
	st := store.NewMemoryStore()

	srv, err := NewServer(cfg, backends, st, testAssets(), testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, inst, st
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	req.Host = testHost
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_MissingTemplate(t *testing.T) {
	_, err := NewServer(config.Default(), &fakeBackends{}, store.NewMemoryStore(), fstest.MapFS{}, testLogger())
	if err == nil {
		t.Fatal("NewServer() expected error for missing loading template, got nil")
	}
}

func TestNewServer_NilAssets(t *testing.T) {
	_, err := NewServer(config.Default(), &fakeBackends{}, store.NewMemoryStore(), nil, testLogger())
	if err == nil {
		t.Fatal("NewServer() expected error for nil assets, got nil")
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		state      backend.State
		wantStatus int
		wantBody   string
	}{
		{backend.StateNew, http.StatusOK, "false"},
		{backend.StateStarted, http.StatusOK, "false"},
		{backend.StateRunning, http.StatusOK, "true"},
		{backend.StateErrored, http.StatusServiceUnavailable, msgErrored},
		{backend.StateFinished, http.StatusServiceUnavailable, msgFinished},
		{backend.StateReaped, http.StatusServiceUnavailable, msgFinished},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv, _, _ := newTestServer(t, nil, tt.state)

			rec := do(t, srv.Handler(), http.MethodGet, "/_stager/api/ready")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
		})
	}
}

func TestHandleReady_LookupError(t *testing.T) {
	backends := &fakeBackends{err: backend.ErrNoPorts}
	srv, err := NewServer(config.Default(), backends, store.NewMemoryStore(), testAssets(), testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/_stager/api/ready")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	want := "Got an internal error finding a backend: not enough ports remain"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestHandleAPI_UnknownMethod(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, backend.StateRunning)

	rec := do(t, srv.Handler(), http.MethodGet, "/_stager/api/restart")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if want := "Stager API method restart not found."; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestHandleInstances(t *testing.T) {
	srv, _, st := newTestServer(t, nil, backend.StateRunning)
	st.Update(store.InstanceStatus{Name: "b", Port: 4201, State: "started"})
	st.Update(store.InstanceStatus{Name: "a", Port: 4200, State: "running"})

	rec := do(t, srv.Handler(), http.MethodGet, "/_stager/api/instances")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got []store.InstanceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("instances = %+v, want a then b", got)
	}

	rec = do(t, srv.Handler(), http.MethodPost, "/_stager/api/instances")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestHandleBackend_Running(t *testing.T) {
	srv, inst, _ := newTestServer(t, nil, backend.StateRunning)

	rec := do(t, srv.Handler(), http.MethodPost, "/orders")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if want := "proxied feature-x POST /orders"; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if inst.served.Load() != 1 {
		t.Errorf("served = %d, want 1", inst.served.Load())
	}
}

func TestHandleBackend_LoadingPage(t *testing.T) {
	for _, state := range []backend.State{backend.StateNew, backend.StateStarted} {
		t.Run(state.String(), func(t *testing.T) {
			srv, inst, _ := newTestServer(t, nil, state)

			rec := do(t, srv.Handler(), http.MethodGet, "/")

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
			if want := `<p class="status">loading feature-x on 4200</p>`; rec.Body.String() != want {
				t.Errorf("body = %q, want %q", rec.Body.String(), want)
			}
			if inst.served.Load() != 0 {
				t.Error("starting backend should not be proxied to")
			}
		})
	}
}

func TestHandleBackend_NonGETWithoutHoldGetsLoadingPage(t *testing.T) {
	srv, inst, _ := newTestServer(t, nil, backend.StateStarted)

	rec := do(t, srv.Handler(), http.MethodPost, "/submit")

	if !strings.Contains(rec.Body.String(), `class="status"`) {
		t.Errorf("body = %q, want loading page", rec.Body.String())
	}
	if inst.served.Load() != 0 {
		t.Error("request should not be proxied without hold_for")
	}
}

func TestHandleBackend_Finished(t *testing.T) {
	tests := []struct {
		state backend.State
		want  string
	}{
		{backend.StateErrored, msgErrored},
		{backend.StateFinished, msgFinished},
	}

	for _, tt := range tests {
		srv, _, _ := newTestServer(t, nil, tt.state)

		rec := do(t, srv.Handler(), http.MethodGet, "/")
		if rec.Body.String() != tt.want {
			t.Errorf("%s: body = %q, want %q", tt.state, rec.Body.String(), tt.want)
		}
	}
}

func TestHandleBackend_HoldReleasedWhenRunning(t *testing.T) {
	cfg := config.Default()
	cfg.HoldFor = config.Duration(5 * time.Second)
	srv, inst, st := newTestServer(t, cfg, backend.StateStarted)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(t, srv.Handler(), http.MethodPost, "/submit")
	}()

	// unrelated updates do not release the request
	time.Sleep(20 * time.Millisecond)
	st.Update(store.InstanceStatus{Name: "other", State: "running"})

	time.Sleep(20 * time.Millisecond)
	inst.setState(backend.StateRunning)
	st.Update(store.InstanceStatus{Name: "feature-x", State: "running"})

	select {
	case rec := <-done:
		if want := "proxied feature-x POST /submit"; rec.Body.String() != want {
			t.Errorf("body = %q, want %q", rec.Body.String(), want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("held request was not released")
	}
}

// quietStore never delivers updates to subscribers, like a store whose
// subscriber buffer is full.
type quietStore struct {
	*store.MemoryStore
}

func (quietStore) Subscribe() <-chan store.InstanceStatus {
	return make(chan store.InstanceStatus)
}

func (quietStore) Unsubscribe(<-chan store.InstanceStatus) {}

func TestHandleBackend_HoldReleasedWithoutUpdate(t *testing.T) {
	cfg := config.Default()
	cfg.HoldFor = config.Duration(5 * time.Second)

	inst := &fakeInstance{name: "feature-x", port: 4200, state: backend.StateStarted}
	backends := &fakeBackends{instances: map[string]*fakeInstance{testHost: inst}}

	srv, err := NewServer(cfg, backends, quietStore{store.NewMemoryStore()}, testAssets(), testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	srv.holdRecheck = 10 * time.Millisecond

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(t, srv.Handler(), http.MethodPost, "/submit")
	}()

	time.Sleep(20 * time.Millisecond)
	inst.setState(backend.StateRunning)

	select {
	case rec := <-done:
		if want := "proxied feature-x POST /submit"; rec.Body.String() != want {
			t.Errorf("body = %q, want %q", rec.Body.String(), want)
		}
	case <-time.After(time.Second):
		t.Fatal("held request was not released after the backend started running")
	}
}

func TestHandleBackend_HoldTimesOut(t *testing.T) {
	cfg := config.Default()
	cfg.HoldFor = config.Duration(30 * time.Millisecond)
	srv, inst, _ := newTestServer(t, cfg, backend.StateStarted)

	start := time.Now()
	rec := do(t, srv.Handler(), http.MethodPut, "/submit")

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if rec.Body.String() != msgHoldTimeout {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgHoldTimeout)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, want at least hold_for", elapsed)
	}
	if inst.served.Load() != 0 {
		t.Error("timed out request should not be proxied")
	}
}

func TestHandleBackend_HoldEndsOnError(t *testing.T) {
	cfg := config.Default()
	cfg.HoldFor = config.Duration(5 * time.Second)
	srv, inst, st := newTestServer(t, cfg, backend.StateStarted)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(t, srv.Handler(), http.MethodPost, "/submit")
	}()

	time.Sleep(20 * time.Millisecond)
	inst.setState(backend.StateErrored)
	st.Update(store.InstanceStatus{Name: "feature-x", State: "errored"})

	select {
	case rec := <-done:
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("held request did not end when the backend errored")
	}
}

func TestHandleStatic(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, backend.StateRunning)

	rec := do(t, srv.Handler(), http.MethodGet, "/_stager/static/js/stager.js")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "// poller" {
		t.Errorf("body = %q, want static file", rec.Body.String())
	}
}

func TestResourceDirOverridesAssets(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"templates/loading.html": `<div class="status">custom {{.Name}}</div>`,
		"static/js/stager.js":    "// custom",
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.ResourceDir = dir
	srv, _, _ := newTestServer(t, cfg, backend.StateNew)

	rec := do(t, srv.Handler(), http.MethodGet, "/")
	if want := `<div class="status">custom feature-x</div>`; rec.Body.String() != want {
		t.Errorf("loading body = %q, want %q", rec.Body.String(), want)
	}

	rec = do(t, srv.Handler(), http.MethodGet, "/_stager/static/js/stager.js")
	if rec.Body.String() != "// custom" {
		t.Errorf("static body = %q, want custom file", rec.Body.String())
	}
}

func TestEmbeddedAssets(t *testing.T) {
	inst := &fakeInstance{name: "demo", port: 4201, state: backend.StateStarted}
	backends := &fakeBackends{instances: map[string]*fakeInstance{testHost: inst}}

	srv, err := NewServer(config.Default(), backends, store.NewMemoryStore(), assets.FS, testLogger())
	if err != nil {
		t.Fatalf("NewServer() with embedded assets error = %v", err)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/")
	body := rec.Body.String()
	if n := strings.Count(body, `class="status"`); n != 1 {
		t.Errorf("loading page has %d status elements, want 1", n)
	}
	if !strings.Contains(body, `src="/_stager/static/js/stager.js"`) {
		t.Error("loading page does not include the poller script")
	}

	rec = do(t, srv.Handler(), http.MethodGet, "/_stager/static/js/stager.js")
	js := rec.Body.String()
	for _, want := range []string{"/_stager/api/ready", "'true'", "2000", "Something went bad.", "status error"} {
		if !strings.Contains(js, want) {
			t.Errorf("stager.js does not contain %q", want)
		}
	}
}

func TestRecoverer(t *testing.T) {
	srv, inst, _ := newTestServer(t, nil, backend.StateRunning)
	inst.panics = true

	rec := do(t, srv.Handler(), http.MethodGet, "/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "request id ") {
		t.Errorf("body = %q, want request id", rec.Body.String())
	}
}

func TestHandleEvents_StreamsUpdates(t *testing.T) {
	srv, _, st := newTestServer(t, nil, backend.StateRunning)
	st.Update(store.InstanceStatus{Name: "initial", State: "running"})

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		srv.handleEvents(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)
	st.Update(store.InstanceStatus{Name: "streamed", State: "started"})
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := rec.Body.String()
	for _, want := range []string{`data: {"name":"initial"`, `"name":"streamed"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body should contain %s, got: %s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
}

func (n *nonFlushWriter) Header() http.Header         { return n.header }
func (n *nonFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (n *nonFlushWriter) WriteHeader(statusCode int)  { n.statusCode = statusCode }

func TestHandleEvents_NotSupported(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, backend.StateRunning)

	w := &nonFlushWriter{header: make(http.Header)}
	srv.handleEvents(w, httptest.NewRequest(http.MethodGet, "/events", nil))

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.statusCode)
	}
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	srv, _, _ := newTestServer(t, cfg, backend.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.Addr().String()+"/_stager/api/ready", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = testHost
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET ready error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "true" {
		t.Errorf("ready body = %q, want true", body)
	}

	cancel()

	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStart_BindError(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	first, _, _ := newTestServer(t, cfg, backend.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	cfg2 := config.Default()
	cfg2.Listen = first.Addr().String()
	second, _, _ := newTestServer(t, cfg2, backend.StateRunning)

	if err := second.Start(ctx); err == nil {
		t.Fatal("second Start() on a bound address expected error, got nil")
	}
}

func TestFromManager(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer target.Close()

	cfg := config.Default()
	cfg.ProxyFormat = target.URL
	cfg.InitCommand = config.Command{"sh", "-c", "exec sleep 30"}

	st := store.NewMemoryStore()
	m, err := backend.NewManager(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	backends := FromManager(m)

	if _, err := backends.Lookup("nope.example.com"); !errors.Is(err, backend.ErrUnknownHost) {
		t.Errorf("Lookup(unknown) error = %v, want ErrUnknownHost", err)
	}

	inst, err := backends.Lookup(testHost)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if inst.Name() != "feature-x" {
		t.Errorf("Name() = %q, want feature-x", inst.Name())
	}
}
