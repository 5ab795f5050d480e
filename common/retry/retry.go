// Package retry implements bounded retry with exponential backoff. It is
// used by callers that want to wait out transient contention, such as a
// container lock held by another invocation.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls how Do spaces its attempts.
type Config struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the pause before the second attempt; each later
	// pause doubles until it reaches MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the pause between attempts.
	MaxDelay time.Duration
	// ShouldRetry classifies errors. A nil predicate retries everything;
	// returning false surfaces the error immediately.
	ShouldRetry func(err error) bool
}

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
)

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// Do runs fn until it succeeds, the attempt budget is spent, ShouldRetry
// rejects the error, or ctx is cancelled. The last attempt's error is
// returned; cancellation mid-backoff joins ctx.Err() onto it.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || !cfg.ShouldRetry(lastErr) {
			return lastErr
		}

		slog.Debug("retry: backing off",
			"attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "err", lastErr)
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		if delay *= 2; delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
