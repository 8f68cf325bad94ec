package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-stager/stager/internal/backend"
)

// sseWriteTimeout is the maximum time allowed for a single event write.
// Must be <= shutdown timeout to ensure clean shutdown.
const sseWriteTimeout = 5 * time.Second

const (
	msgErrored  = "The backend errored after startup. Check your log for reason code."
	msgFinished = "The backend you requested has finished and is being cleaned up."
)

// handleAPI dispatches /_stager/api/<method>; the prefix is already stripped.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "ready":
		s.handleReady(w, r)
	case "instances":
		s.handleInstances(w, r)
	case "events":
		s.handleEvents(w, r)
	default:
		simpleTextResponse(w, http.StatusNotFound, fmt.Sprintf("Stager API method %s not found.", r.URL.Path))
	}
}

// handleReady reports whether the backend for the request host is running.
//
// A starting backend answers "false" so pollers try again. A backend that
// errored or finished will never become ready, so it answers 503 with the
// reason for pollers to show.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	inst, err := s.backends.Lookup(r.Host)
	if err != nil {
		simpleTextResponse(w, http.StatusInternalServerError,
			"Got an internal error finding a backend: "+err.Error())
		return
	}

	w.Header().Set("Cache-Control", "no-cache")

	switch state := inst.State(); {
	case state == backend.StateRunning:
		simpleTextResponse(w, http.StatusOK, "true")
	case state.Starting():
		simpleTextResponse(w, http.StatusOK, "false")
	case state == backend.StateErrored:
		simpleTextResponse(w, http.StatusServiceUnavailable, msgErrored)
	default:
		simpleTextResponse(w, http.StatusServiceUnavailable, msgFinished)
	}
}

// handleInstances returns all instance statuses as JSON.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(s.store.GetAll()); err != nil {
		s.logger.Error("failed to encode instances response", "error", err)
	}
}

// handleEvents streams instance updates via Server-Sent Events.
//
// Writes carry a deadline so a slow or vanished client cannot block the
// handler past shutdown.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Debug("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	for _, status := range s.store.GetAll() {
		data, err := json.Marshal(status)
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(status)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and on server shutdown
			return
		}
	}
}
