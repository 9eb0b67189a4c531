package optimizer

import (
	"context"
	"time"

	"github.com/hemsd/hemsd/core/logger"
)

// RetryConfig bounds the retry helper. Zero values fall back to the defaults
// of 3 attempts, 1.5s initial backoff doubling up to an 8s cap.
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	return c
}

// Retry runs fn up to cfg.Attempts times, sleeping with exponential backoff
// between attempts. Only transient errors (per IsTransient) are retried;
// permanent errors return immediately. Backoff sleeps abort when ctx is done.
func Retry[T any](ctx context.Context, cfg RetryConfig, log logger.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
		if attempt == cfg.Attempts {
			break
		}
		if log != nil {
			log.Warnf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, cfg.Attempts, backoff, err)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return zero, lastErr
}

// RetryVoid is Retry for calls without a result.
func RetryVoid(ctx context.Context, cfg RetryConfig, log logger.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, cfg, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
