// Package poll provides the fixed-interval retry loop shared by backend
// readiness, server readiness and status convergence checks.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when the attempt budget ran out before the
// predicate reported completion.
var ErrExhausted = errors.New("poll budget exhausted")

// Budget bounds a polling loop.
type Budget struct {
	Interval time.Duration
	Attempts int
}

// BudgetFor spreads a total wait over fixed intervals, always allowing at least one attempt.
func BudgetFor(total, interval time.Duration) Budget {
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	attempts := int(total / interval)
	if attempts < 1 {
		attempts = 1
	}
	return Budget{Interval: interval, Attempts: attempts}
}

func (b Budget) String() string {
	return fmt.Sprintf("%d attempts every %s", b.Attempts, b.Interval)
}

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop marks err as terminal: Until returns it immediately without retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Func is evaluated once per attempt. Returning done=true ends the loop
// successfully; a non-nil error is remembered and retried unless wrapped with Stop.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Until calls fn until it reports done, the budget is exhausted, fn returns
// a Stop error or ctx is cancelled. The exhaustion error wraps both
// ErrExhausted and the last error fn returned.
func Until(ctx context.Context, b Budget, fn Func) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	var last error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		done, err := fn(ctx, attempt)
		if done {
			return nil
		}
		if err != nil {
			var stop stopError
			if errors.As(err, &stop) {
				return stop.err
			}
			last = err
		}
		if attempt == b.Attempts {
			break
		}

		timer := time.NewTimer(b.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", context.Cause(ctx), last)
			}
			return context.Cause(ctx)
		case <-timer.C:
		}
	}
	if last != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, b.Attempts, last)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, b.Attempts)
}
