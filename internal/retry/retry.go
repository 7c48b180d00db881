// Package retry runs adapter operations with exponential backoff.
// Classification of failures into categories lives with the adapters; this
// package only decides whether a category earns another attempt and how
// long to wait.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/filescout/filescout/internal/models"
)

// Config holds retry parameters for Do.
type Config struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// InitialDelay is the base delay for exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration
	// OnRetry is invoked before each retry attempt.
	OnRetry func(attempt int, err error, category models.ErrorCategory)
}

// DefaultConfig matches the file-check pipeline policy: up to 3 attempts
// separated by 1s, 2s, 4s with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     8 * time.Second,
	}
}

// Backoff returns the delay before the given retry attempt (1-based):
// initialDelay * 2^(attempt-1), capped at maxDelay, with up to 20% jitter
// added so concurrent checks against the same endpoint spread out.
func Backoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := initialDelay << uint(attempt-1)
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1))
	return base + jitter
}

// Do executes operation until it succeeds, exhausts cfg.MaxAttempts, fails
// with a non-retryable category, or ctx is cancelled. The returned error is
// the last failure, category intact.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.NewCategorizedError(models.ErrorCategoryCancelled, err)
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		category := models.CategoryOf(err)
		if !category.IsRetryable() {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, category)
		}

		select {
		case <-ctx.Done():
			return models.NewCategorizedError(models.ErrorCategoryCancelled, ctx.Err())
		case <-time.After(Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay)):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
