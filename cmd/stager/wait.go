package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-stager/stager"
)

// waitCmd polls the ready API of one instance until it is ready.
var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for an instance to become ready",
	Long: `Poll a stager's ready API for one instance until it is ready.

A request is sent right away and again two seconds after every "not ready"
answer. Any other status code stops the wait and prints the reason the
stager gave.

Exit codes:
  0 - Instance is ready
  1 - The stager reported an error or could not be reached

Example:
  stager wait --url http://127.0.0.1:8000 --host feature-x.stager:8000
  stager wait --url http://feature-x.stager:8000`,
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().String("url", "", "base URL of the stager (required)")
	waitCmd.Flags().String("host", "", "Host header selecting the instance (defaults to the URL host)")
	waitCmd.Flags().Duration("timeout", 10*time.Second, "timeout for each ready request")
	_ = waitCmd.MarkFlagRequired("url")
}

func runWait(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	host, _ := cmd.Flags().GetString("host")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	// the terminal display reports progress; logs only surface problems
	logger := newLogger(cmd.ErrOrStderr(), slog.LevelWarn)
	display := stager.NewTerminalDisplay(cmd.ErrOrStderr())

	opts := []stager.Option{
		stager.WithBaseURL(baseURL),
		stager.WithTimeout(timeout),
		stager.WithDisplay(display),
		stager.WithLogger(logger),
		stager.WithOnReady(func(ctx context.Context) error {
			display.ShowReady()
			return nil
		}),
	}
	if host != "" {
		opts = append(opts, stager.WithHost(host))
	}

	p, err := stager.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		var failure *stager.PollFailure
		if errors.As(err, &failure) {
			return fmt.Errorf("instance did not become ready: %w", err)
		}
		return err
	}
	return nil
}
