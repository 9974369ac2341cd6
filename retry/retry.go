package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument is returned for invalid policy configuration
	ErrInvalidArgument = errors.New("retry: invalid argument")

	// ErrMaxRetriesExceeded is wrapped by RetryError when every attempt failed
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// RetryError reports an operation that failed after retrying
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Exhausted bool
}

func (e *RetryError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("retry failed after %d attempts over %v: %v",
			e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
	}
	return fmt.Sprintf("retry stopped after %d attempts, error is not retryable: %v", e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	if e.Exhausted {
		return []error{e.LastError, ErrMaxRetriesExceeded}
	}
	return []error{e.LastError}
}

// Do runs fn and retries it according to policy. It makes at most RetryCount+1
// attempts, stops early on errors the policy does not retry, and waits
// policy.Delay(n) before retry n. A cancelled context aborts the wait.
func Do(ctx context.Context, policy *Policy, fn func(ctx context.Context) error) error {
	if policy == nil {
		return fn(ctx)
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !policy.ShouldRetry(err) {
			if attempt == 0 {
				return err
			}
			return &RetryError{Attempts: attempt + 1, LastError: err, Duration: time.Since(start)}
		}
		if attempt >= policy.RetryCount() {
			return &RetryError{Attempts: attempt + 1, LastError: err, Duration: time.Since(start), Exhausted: true}
		}

		delay := policy.Delay(attempt + 1)
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
