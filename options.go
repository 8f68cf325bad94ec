package stager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// pollerConfig holds mutable state during Poller construction.
type pollerConfig struct {
	baseURL   string
	host      string
	transport Transport
	display   StatusDisplay
	onReady   func(context.Context) error
	logger    *slog.Logger
	timeout   time.Duration
}

// Option is a function that configures a [Poller] during construction.
//
// Options return an error if validation fails. Built-in options:
// [WithBaseURL], [WithHost], [WithTransport], [WithDisplay], [WithOnReady],
// [WithLogger], [WithTimeout].
type Option func(*pollerConfig) error

// WithBaseURL sets the stager server the poller talks to, e.g.
// "http://127.0.0.1:8000". [ReadyPath] is appended to it.
//
// Required. Returns an error if the URL is not http or https.
func WithBaseURL(rawURL string) Option {
	return func(cfg *pollerConfig) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base URL scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("base URL must have a host")
		}
		cfg.baseURL = rawURL
		return nil
	}
}

// WithHost overrides the Host header of readiness requests.
//
// The stager routes by host name, so this selects which instance is polled
// when the base URL points at the stager's listen address directly.
func WithHost(host string) Option {
	return func(cfg *pollerConfig) error {
		if host == "" {
			return errors.New("host cannot be empty")
		}
		cfg.host = host
		return nil
	}
}

// WithTransport replaces the HTTP transport, typically with a fake in tests.
func WithTransport(t Transport) Option {
	return func(cfg *pollerConfig) error {
		if t == nil {
			return errors.New("transport cannot be nil")
		}
		cfg.transport = t
		return nil
	}
}

// WithDisplay sets the [StatusDisplay] updated by the poller.
// Without it, status is only logged.
func WithDisplay(d StatusDisplay) Option {
	return func(cfg *pollerConfig) error {
		if d == nil {
			return errors.New("display cannot be nil")
		}
		cfg.display = d
		return nil
	}
}

// WithOnReady sets the action run once the instance reports ready. This is
// where an embedder reloads its page or proceeds with startup.
func WithOnReady(fn func(context.Context) error) Option {
	return func(cfg *pollerConfig) error {
		if fn == nil {
			return errors.New("ready action cannot be nil")
		}
		cfg.onReady = fn
		return nil
	}
}

// WithLogger sets a custom structured logger.
// Defaults to slog.Default() if not specified.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pollerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithTimeout sets the per-request timeout. A request that times out is a
// failed poll. Defaults to 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(cfg *pollerConfig) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		cfg.timeout = d
		return nil
	}
}
