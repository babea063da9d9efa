// Package retry runs an operation under a bounded exponential backoff
// policy. A result rejected by the validity predicate counts as a failed
// attempt just like a returned error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDegenerate marks an attempt that returned without error but with a
// result the caller considers empty.
var ErrDegenerate = errors.New("retry: degenerate result")

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it returns a result accepted by valid, the attempts run
// out or ctx is done. valid may be nil to accept any non-error result. It
// returns the number of attempts made.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), valid func(T) bool) (T, int, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil && (valid == nil || valid(v)) {
			return v, attempt, nil
		}
		if err == nil {
			err = ErrDegenerate
		}
		last = err

		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}
		wait := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, attempt, err
		}
	}
	return zero, attempts, &ExhaustedError{Attempts: attempts, Last: last}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
