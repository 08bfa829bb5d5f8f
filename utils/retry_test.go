package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func notPermanent(err error) bool { return !errors.Is(err, errPermanent) }

func TestDoWithRetry_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	result, err := DoWithRetry(context.Background(), nil, func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result, err := DoWithRetry(context.Background(), notPermanent, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDoWithRetry_Exhausted(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), nil, func() (string, error) {
		calls++
		return "", fmt.Errorf("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, MaxRetries+1, calls)
}

func TestDoWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := DoWithRetry(context.Background(), notPermanent, func() (string, error) {
		calls++
		return "", fmt.Errorf("wrapped: %w", errPermanent)
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := DoWithRetry(ctx, nil, func() (string, error) {
		return "", fmt.Errorf("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
