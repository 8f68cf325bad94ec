package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-stager/stager"
)

func main() {
	// start mock stager (see mock_server.go)
	go StartMockStager("127.0.0.1:9999")
	time.Sleep(100 * time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, host := range []string{"feature-x.stager:8000", "broken.stager:8000"} {
		fmt.Printf("\n%s\n", host)
		if err := waitFor(ctx, host); err != nil {
			var failure *stager.PollFailure
			if errors.As(err, &failure) {
				slog.Warn("instance failed", "host", host, "status_code", failure.StatusCode)
				continue
			}
			slog.Error("poller error", "error", err)
			os.Exit(1)
		}
	}
}

// waitFor polls the mock stager until host is ready or fails.
func waitFor(ctx context.Context, host string) error {
	display := stager.NewTerminalDisplay(os.Stdout)

	p, err := stager.New(
		stager.WithBaseURL("http://127.0.0.1:9999"),
		stager.WithHost(host),
		stager.WithDisplay(display),
		stager.WithOnReady(func(ctx context.Context) error {
			display.ShowReady()
			return nil
		}),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	return p.Start(ctx)
}
