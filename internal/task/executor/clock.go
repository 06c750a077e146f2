package executor

import (
	"context"
	"errors"
	"time"
)

// Clock abstracts time so waits can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

var errWaitTimeout = errors.New("condition not met before timeout")

// pollUntil calls check every interval until it reports true. It gives up with
// errWaitTimeout exactly when timeout has elapsed; the last check happens at the deadline.
func pollUntil(ctx context.Context, clock Clock, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	deadline := clock.Now().Add(timeout)
	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return errWaitTimeout
		}
		wait := interval
		if wait <= 0 || wait > remaining {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
