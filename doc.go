// Package stager provides a readiness poller for instances served by a
// stager proxy.
//
// A stager starts one backend process per sub-domain on demand and shows a
// loading page until the backend accepts connections. While it boots, the
// stager answers GET /_stager/api/ready with "true" or "false". The [Poller]
// in this package asks that question every two seconds and runs a ready
// action as soon as the answer is "true", the Go counterpart of the loading
// page reloading itself.
//
// # Quick Start
//
//	p, err := stager.New(
//	    stager.WithBaseURL("http://127.0.0.1:8000"),
//	    stager.WithHost("feature-x.stager:8000"),
//	    stager.WithDisplay(stager.NewTerminalDisplay(os.Stderr)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	if err := p.Start(ctx); err != nil {
//	    var failure *stager.PollFailure
//	    if errors.As(err, &failure) {
//	        // the server answered non-200 or could not be reached
//	    }
//	    return err
//	}
//
// # Poll Outcomes
//
// Every poll cycle ends in one of three ways:
//
//   - 200 with body "true": ready; the ready action runs and polling stops
//   - 200 with any other body: not ready; the next poll follows after [PollInterval]
//   - anything else: failure; the body (or [DefaultErrorMessage]) is shown on
//     the [StatusDisplay] and polling stops
//
// There is no backoff and no retry limit.
//
// # Architecture
//
// The module also contains the stager server itself:
//
//   - internal/poller: HTTP client and sequential polling loop
//   - internal/backend: on-demand backend processes and port allocation
//   - internal/store: in-memory instance status with pub/sub
//   - internal/server: static assets, the API, and the proxy
//   - assets: embedded loading page and browser poller
//   - config: YAML configuration
//   - cmd/stager: the serve, wait, validate and version commands
package stager
