// Standalone mock stager for trying the wait command.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/stager wait --url http://127.0.0.1:9999 --host feature-x.stager:8000
//	go run ./cmd/stager wait --url http://127.0.0.1:9999 --host broken.stager:8000
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9999", "listen address")
	boot := flag.Duration("boot", 6*time.Second, "time an instance takes to become ready")
	flag.Parse()

	fmt.Printf("Mock stager starting on %s\n", *addr)
	fmt.Printf("Instances become ready %s after their first poll; broken.* hosts fail\n", *boot)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	var (
		readyAt = make(map[string]time.Time)
		mu      sync.Mutex
	)

	http.HandleFunc("/_stager/api/ready", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Host, "broken.") {
			http.Error(w, "The backend errored after startup. Check your log for reason code.", http.StatusServiceUnavailable)
			return
		}

		mu.Lock()
		at, exists := readyAt[r.Host]
		if !exists {
			at = time.Now().Add(*boot)
			readyAt[r.Host] = at
			slog.Info("instance booting", "host", r.Host)
		}
		mu.Unlock()

		ready := !time.Now().Before(at)
		_, _ = fmt.Fprint(w, ready)
	})

	if err := http.ListenAndServe(*addr, nil); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
