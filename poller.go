package stager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-stager/stager/internal/poller"
)

const defaultTimeout = 10 * time.Second

// Response is a raw answer to a readiness request.
type Response struct {
	// StatusCode is zero if no response was received.
	StatusCode int
	Body       []byte
	Latency    time.Duration

	// Err is set for transport-level failures (DNS, refused, timeout).
	Err error
}

// Transport performs a single readiness request.
//
// Implementations must honour ctx cancellation. The default transport is a
// pooled HTTP client; tests usually supply a fake via [WithTransport].
type Transport interface {
	Get(ctx context.Context, url, host string) Response
}

// httpTransport adapts the internal polling client to [Transport].
type httpTransport struct {
	client  *poller.Client
	timeout time.Duration
}

func (t *httpTransport) Get(ctx context.Context, url, host string) Response {
	resp := t.client.Fetch(ctx, poller.Request{
		URL:     url,
		Host:    host,
		Timeout: t.timeout,
	})
	return Response{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Latency:    resp.Latency,
		Err:        resp.Error,
	}
}

func (t *httpTransport) Close() {
	t.client.Close()
}

// Poller repeatedly asks a stager server whether an instance is ready.
//
// A Poller is created with [New] and driven by [Poller.Start], which blocks
// until the instance is ready, a poll fails, or the context is cancelled:
//
//	p, err := stager.New(
//	    stager.WithBaseURL("http://127.0.0.1:8000"),
//	    stager.WithHost("feature-x.stager:8000"),
//	    stager.WithDisplay(stager.NewTerminalDisplay(os.Stderr)),
//	    stager.WithOnReady(reload),
//	)
//	if err != nil {
//	    return err
//	}
//	err = p.Start(ctx)
//
// Only one request is ever in flight: the next poll is issued [PollInterval]
// after the previous one completed.
type Poller struct {
	url       string
	host      string
	transport Transport
	display   StatusDisplay
	onReady   func(context.Context) error
	logger    *slog.Logger
	interval  time.Duration
	running   atomic.Bool
}

// New creates a [Poller] with the given options.
//
// [WithBaseURL] is required. Defaults:
//   - Transport: pooled HTTP client with a 10 second request timeout
//   - Display: none (status is only logged)
//   - Ready action: none
//   - Logger: slog.Default()
func New(opts ...Option) (*Poller, error) {
	cfg := &pollerConfig{
		timeout: defaultTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.baseURL == "" {
		return nil, errors.New("base URL is required")
	}

	base, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	transport := cfg.transport
	if transport == nil {
		transport = &httpTransport{client: poller.NewClient(), timeout: cfg.timeout}
	}

	display := cfg.display
	if display == nil {
		display = discardDisplay{}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		url:       base.JoinPath(ReadyPath).String(),
		host:      cfg.host,
		transport: transport,
		display:   display,
		onReady:   cfg.onReady,
		logger:    logger,
		interval:  PollInterval,
	}, nil
}

// URL returns the full readiness URL being polled.
func (p *Poller) URL() string {
	return p.url
}

// Poll performs one poll cycle and returns its classified result.
//
// Poll has no side effects on the display; it is the building block used by
// [Poller.Start] and is exposed for callers that drive their own loop.
func (p *Poller) Poll(ctx context.Context) PollResult {
	resp := p.transport.Get(ctx, p.url, p.host)

	result := Classify(resp.StatusCode, resp.Body, resp.Err)
	result.Latency = resp.Latency
	result.CheckedAt = time.Now()
	return result
}

// Start polls until the instance is ready, then runs the ready action.
//
// Start blocks. It returns:
//   - nil after the ready action ran successfully
//   - a *[PollFailure] after the first failed poll, which is also shown on
//     the display; no further requests are made
//   - ctx.Err() if the context is cancelled; the display is left untouched
//   - [ErrAlreadyRunning] if another Start call is in progress
func (p *Poller) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.display.ShowPolling()
	p.logger.Info("readiness polling started",
		"url", p.url,
		"host", p.host,
		"interval", p.interval.String(),
	)

	err := poller.Until(ctx, p.interval, 0, func(ctx context.Context) (bool, error) {
		result := p.Poll(ctx)

		switch result.Kind {
		case ResultReady:
			return true, nil

		case ResultNotReady:
			p.logger.Debug("instance not ready",
				"status_code", result.StatusCode,
				"latency_ms", result.Latency.Milliseconds(),
			)
			return false, nil

		default:
			// cancellation surfaces as a transport error; it is teardown, not failure
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}

			p.display.ShowError(result.Message)

			logAttrs := []any{
				"status_code", result.StatusCode,
				"message", result.Message,
				"latency_ms", result.Latency.Milliseconds(),
			}
			if result.Err != nil {
				logAttrs = append(logAttrs, "error", result.Err.Error())
			}
			p.logger.Warn("readiness poll failed", logAttrs...)

			return false, &PollFailure{
				StatusCode: result.StatusCode,
				Message:    result.Message,
				Err:        result.Err,
			}
		}
	})
	if err != nil {
		return err
	}

	p.logger.Info("instance ready", "url", p.url, "host", p.host)

	if p.onReady != nil {
		if err := p.onReady(ctx); err != nil {
			return fmt.Errorf("ready action failed: %w", err)
		}
	}
	return nil
}

// Close releases idle connections held by the default transport.
// Safe to call multiple times.
func (p *Poller) Close() {
	if c, ok := p.transport.(interface{ Close() }); ok {
		c.Close()
	}
}
