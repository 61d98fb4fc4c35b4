package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

func TestBackoffSequence(t *testing.T) {
	b := New()

	// Deterministic by default: 1s, 2s, 4s, then capped at 5s.
	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5, b.Attempts())
}

func TestBackoffReset(t *testing.T) {
	b := New()
	b.Next()
	b.Next()
	b.Reset()

	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, 1*time.Second, b.Next())
}

func TestBackoffPeekDoesNotAdvance(t *testing.T) {
	b := New()
	assert.Equal(t, 1*time.Second, b.Peek())
	assert.Equal(t, 1*time.Second, b.Peek())
	assert.Equal(t, 0, b.Attempts())
}

func TestBackoffConfigDefaults(t *testing.T) {
	b := NewWithConfig(Config{Initial: -1, Max: -1, Multiplier: 0.5, Jitter: -2})
	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewWithConfig(Config{Initial: 100 * time.Millisecond, Jitter: 0.25})
	for i := 0; i < 20; i++ {
		d := b.Peek()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		if calls < 3 {
			return devicelink.NewError(devicelink.KindBusy, "device busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return devicelink.NewError(devicelink.KindIncorrectPIN, "PIN invalid")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "secret rejection must not be silently retried")
	assert.Equal(t, devicelink.KindIncorrectPIN, devicelink.KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return devicelink.NewError(devicelink.KindTimeout, "timed out")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
	}, func() error {
		calls++
		return devicelink.NewError(devicelink.KindBusy, "device busy")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryRequiresAttempts(t *testing.T) {
	err := Retry(context.Background(), RetryConfig{}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetryDelaysFollowBackoffSchedule(t *testing.T) {
	var stamps []time.Time
	_ = Retry(context.Background(), RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
	}, func() error {
		stamps = append(stamps, time.Now())
		return devicelink.NewError(devicelink.KindBusy, "device busy")
	})

	require.Len(t, stamps, 4)
	// Doubling from the base and capped: 20ms, 40ms, 40ms between calls.
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[3].Sub(stamps[2]), 40*time.Millisecond)
}

func TestRetryUnclassifiedErrorNotRetried(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return errors.New("some opaque failure")
	})
	assert.Equal(t, 1, calls)
}
