package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig controls the backoff used when opening a connection to a
// database that may be momentarily unreachable (network blip, restart).
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns a modest exponential backoff: up to 3 retries
// after the first attempt, starting at 200ms, capped at 5s before up to 10%
// jitter is added.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Retry runs operation, retrying transient (IsRetryable) failures with
// exponential backoff and jitter, up to cfg.MaxRetries times.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, operation func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries || !IsRetryable(lastErr) {
			break
		}

		logger.Warn("retrying after transient error",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = nextDelay(delay, cfg)
	}

	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.BackoffFactor)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		next += time.Duration(float64(next) * cfg.JitterFactor * rand.Float64())
	}
	return next
}
