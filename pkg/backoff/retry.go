package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

var errNoAttempts = errors.New("backoff: MaxAttempts must be > 0")

// RetryConfig controls the retry behavior of Retry.
type RetryConfig struct {
	MaxAttempts int           // required, must be > 0
	BaseDelay   time.Duration // initial backoff delay (defaults to InitialDelay)
	MaxDelay    time.Duration // cap on delay (defaults to MaxDelay)

	// Jitter is the maximum random delay extension as a fraction of the
	// scheduled delay. Zero keeps the schedule deterministic.
	Jitter float64
}

// Retry calls fn up to cfg.MaxAttempts times, spacing attempts with a
// Backoff calculator (doubling from BaseDelay, capped at MaxDelay).
// It stops early if the context is cancelled or if fn returns an error
// whose devicelink classification is not retryable: transient kinds
// (busy, timeout, claimed, unavailable) are worth another attempt, secret
// rejections and disconnects are not.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		return errNoAttempts
	}

	bo := NewWithConfig(Config{
		Initial: cfg.BaseDelay,
		Max:     cfg.MaxDelay,
		Jitter:  cfg.Jitter,
	})

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !devicelink.KindOf(lastErr).Retryable() {
			return lastErr
		}

		// Don't sleep after the last attempt.
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(bo.Next())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
