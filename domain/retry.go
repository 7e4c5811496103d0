package domain

import (
	"context"
	"fmt"
)

// DefaultAttempts bounds how often a conditional update is retried.
const DefaultAttempts = 5

// Retry runs fn until it returns something other than a retryable error, at
// most attempts times. When every attempt loses a race the last error is
// reported, still matching ErrConflict.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
