package go_otdoa

import (
	"context"
	"fmt"
	"time"
)

const maxRetryBackoff = 5 * time.Second

// RetryWithBackoff calls fn until it succeeds, returns a non-temporary error,
// or maxRetries retries have been spent (negative retries forever). The wait
// starts at initialBackoff and doubles up to five seconds.
//
// The dispatcher uses it to ride out message pool exhaustion:
//
//	err := RetryWithBackoff(ctx, 5, 10*time.Millisecond, func() error {
//	    return d.Enqueue(QUEUE_HTTP, msg)
//	})
func RetryWithBackoff(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn func() error) error {
	attempt := 0
	backoff := initialBackoff

	for {
		err := fn()
		if err == nil {
			if attempt > 0 {
				Debug("Retry succeeded after %d attempts", attempt)
			}
			return nil
		}

		attempt++
		if !IsTemporary(err) {
			return err
		}
		if maxRetries >= 0 && attempt > maxRetries {
			return &MaxRetriesExceededError{Attempts: maxRetries, LastErr: err}
		}

		Debug("Retry attempt %d failed: %v (waiting %v)", attempt, err, backoff)
		if waitErr := sleepContext(ctx, backoff); waitErr != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, waitErr)
		}
		backoff = calculateNextBackoff(backoff, maxRetryBackoff)
	}
}

func calculateNextBackoff(current time.Duration, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff || next <= 0 {
		return maxBackoff
	}
	return next
}

// MaxRetriesExceededError is returned when the maximum number of retries is exceeded.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.LastErr
}
