package utils

import (
	"context"
	"time"
)

const (
	MaxRetries  = 3
	BaseBackoff = 100 * time.Millisecond
)

// DoWithRetry calls fn until it succeeds, retryable reports false for the
// returned error, or MaxRetries retries have been spent. Backoff doubles
// after every attempt starting at BaseBackoff. A nil retryable retries
// every error.
func DoWithRetry[T any](ctx context.Context, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}
