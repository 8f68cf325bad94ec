package server

import (
	"net/http"
	"time"

	"github.com/go-stager/stager/internal/backend"
)

const msgHoldTimeout = "Backend did not come up within the time limit."

// holdRecheck bounds how long a held request can miss a dropped store update.
const holdRecheck = 250 * time.Millisecond

// loadingData is passed to the loading template.
type loadingData struct {
	Name string
	Port int
}

// handleBackend serves every request outside /_stager/ from the backend for
// the request host.
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	inst, err := s.backends.Lookup(r.Host)
	if err != nil {
		simpleTextResponse(w, http.StatusInternalServerError,
			"Got an internal error finding a backend: "+err.Error())
		return
	}

	switch state := inst.State(); {
	case state == backend.StateRunning:
		inst.ServeHTTP(w, r)
	case state.Starting():
		if s.holdFor > 0 && r.Method != http.MethodGet {
			s.hold(w, r, inst)
			return
		}
		render(s.loading, w, loadingData{Name: inst.Name(), Port: inst.Port()})
	case state == backend.StateErrored:
		simpleTextResponse(w, http.StatusOK, msgErrored)
	default:
		simpleTextResponse(w, http.StatusOK, msgFinished)
	}
}

// hold waits for a starting backend to run, then proxies the request.
//
// Non-GET requests cannot be retried by a reload, so they wait up to
// hold_for instead of getting the loading page.
func (s *Server) hold(w http.ResponseWriter, r *http.Request, inst Instance) {
	sub := s.store.Subscribe()
	defer s.store.Unsubscribe(sub)

	timer := time.NewTimer(s.holdFor)
	defer timer.Stop()

	// updates to a full subscriber are dropped, so the state is also polled
	recheck := time.NewTicker(s.holdRecheck)
	defer recheck.Stop()

	started := time.Now()

	for {
		// checked after subscribing so a transition between the lookup and
		// the subscription is not missed
		switch inst.State() {
		case backend.StateRunning:
			s.logger.Debug("held request released", "name", inst.Name(), "waited", time.Since(started).String())
			inst.ServeHTTP(w, r)
			return
		case backend.StateErrored:
			simpleTextResponse(w, http.StatusBadGateway, msgErrored)
			return
		case backend.StateFinished, backend.StateReaped:
			simpleTextResponse(w, http.StatusBadGateway, msgFinished)
			return
		}

		select {
		case status, ok := <-sub:
			if !ok {
				simpleTextResponse(w, http.StatusGatewayTimeout, msgHoldTimeout)
				return
			}
			if status.Name != inst.Name() {
				// drain updates for other instances without re-checking
				continue
			}
		case <-recheck.C:
		case <-timer.C:
			s.logger.Warn("held request timed out", "name", inst.Name(), "hold_for", s.holdFor.String())
			simpleTextResponse(w, http.StatusGatewayTimeout, msgHoldTimeout)
			return
		case <-r.Context().Done():
			return
		}
	}
}
