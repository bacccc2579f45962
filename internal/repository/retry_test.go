package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test.op", []time.Duration{time.Millisecond, time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustsDelays(t *testing.T) {
	attempts := 0
	sentinel := errors.New("down")
	err := WithRetry(context.Background(), "test.op", []time.Duration{time.Millisecond}, func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	// One initial try plus one retry per configured delay.
	assert.Equal(t, 2, attempts)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, "test.op", []time.Duration{time.Minute}, func() error {
		return errors.New("always")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
