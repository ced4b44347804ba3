package infra

import (
	"context"
	"time"
)

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int

	// Delay is the wait between attempts.
	Delay time.Duration

	// RetryIf decides whether an error is retryable. Nil retries all.
	RetryIf func(error) bool
}

// PresenceRetry is the policy for ephemeral-store presence writes: one
// retry, then the caller swallows the failure.
func PresenceRetry() *RetryConfig {
	return &RetryConfig{MaxAttempts: 1, Delay: 50 * time.Millisecond}
}

// Retry runs fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. It returns the last error.
func Retry(ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) error) error {
	if cfg == nil {
		cfg = PresenceRetry()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Delay):
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
