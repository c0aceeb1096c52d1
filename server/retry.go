package server

import (
	"context"
	"fmt"
	"time"
)

// RetryWithBackoff runs fn until it succeeds or maxRetries attempts have
// failed, sleeping exponentially between attempts (100ms, 200ms, 400ms...,
// capped at 5s). The context aborts the wait.
func RetryWithBackoff(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		delay := time.Duration(100<<uint(i)) * time.Millisecond
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}
