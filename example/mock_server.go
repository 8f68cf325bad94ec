package main

import (
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// StartMockStager runs a fake stager ready API on addr.
//
// Each host reports "false" until 4-8 seconds after its first request, then
// "true". Hosts starting with "broken." answer 503 like an errored backend.
// Call this in a goroutine before polling it.
func StartMockStager(addr string) {
	var (
		readyAt = make(map[string]time.Time)
		mu      sync.Mutex
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/_stager/api/ready", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Host, "broken.") {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("The backend errored after startup. Check your log for reason code."))
			return
		}

		mu.Lock()
		at, exists := readyAt[r.Host]
		if !exists {
			at = time.Now().Add(time.Duration(4+rand.Intn(5)) * time.Second)
			readyAt[r.Host] = at
			slog.Info("instance booting", "host", r.Host, "ready_at", at.Format(time.TimeOnly))
		}
		mu.Unlock()

		if time.Now().Before(at) {
			_, _ = w.Write([]byte("false"))
			return
		}
		_, _ = w.Write([]byte("true"))
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock stager error", "error", err)
	}
}
