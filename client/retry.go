package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default retry parameters.
const (
	DefaultRetries     = 3
	DefaultBackoffBase = 500 * time.Millisecond
)

// RetryPolicy retries transient failures with exponential backoff.
// Transient means a network error or a 5xx-class response; 4xx-class
// responses are client bugs or protocol conflicts and fail immediately.
type RetryPolicy struct {
	// Retries is the number of retry attempts after the first try.
	Retries int
	// BackoffBase is the delay before the first retry; each further
	// retry doubles it.
	BackoffBase time.Duration
}

// StatusError is returned for non-2xx HTTP responses.
// Carrying the status code lets the retry policy distinguish retriable
// (5xx) from non-retriable (4xx) failures, and lets the driver map the
// protocol code to a failure reason.
type StatusError struct {
	Code int
	// ProtocolCode is the taxonomy code from the error body, if any.
	ProtocolCode string
	Message      string
}

func (e *StatusError) Error() string {
	if e.ProtocolCode != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Code, e.ProtocolCode, e.Message)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Permanent reports whether the failure should not be retried.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// Do runs fn, retrying transient failures until the budget runs out.
// Context cancellation is observed before every attempt and during
// backoff waits.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	attempts := 1 + p.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Exponential backoff before retries, not before the first attempt.
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * p.BackoffBase
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Permanent() {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
