package poller

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned by [Until] when the attempt limit is
// reached without fn reporting done.
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// CheckFunc is one iteration of a polling loop. It reports done=true to stop
// the loop successfully, or a non-nil error to stop it with that error.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Until calls fn repeatedly until it reports done, returns an error, the
// context is cancelled, or maxAttempts calls have been made.
//
// Calls are strictly sequential: the delay starts only after the previous
// call has returned, so there is never more than one call in flight. The
// first call is made immediately. maxAttempts <= 0 means no limit.
//
// Returns nil when fn reported done, fn's error, ctx.Err() on cancellation,
// or [ErrAttemptsExhausted].
func Until(ctx context.Context, delay time.Duration, maxAttempts int, fn CheckFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return ErrAttemptsExhausted
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is cancelled, whichever comes first.
// Returns ctx.Err() if the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
