package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls the backoff used by OpenWithRetry when the SQLite
// file is transiently locked by another process (e.g. a concurrent
// migration or a slow antivirus scan holding the file open).
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultRetryConfig returns sensible defaults for opening an embedded
// store under contention.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// OpenWithRetry opens the store with exponential backoff across transient
// open/migrate failures, respecting context cancellation between attempts.
func OpenWithRetry(ctx context.Context, cfg Config, retry RetryConfig) (*Store, error) {
	var lastErr error
	backoff := retry.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		s, err := Open(ctx, cfg)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Dur("elapsed", time.Since(start)).Msg("store opened after retries")
			}
			return s, nil
		}
		lastErr = err

		if attempt >= retry.MaxAttempts {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", retry.MaxAttempts).Dur("retry_in", backoff).Msg("store open failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("store open retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retry.Multiplier)
		if backoff > retry.MaxInterval {
			backoff = retry.MaxInterval
		}
		if retry.Jitter {
			jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
			backoff += jitter
		}
	}

	return nil, fmt.Errorf("failed to open store after %d attempts: %w", retry.MaxAttempts, lastErr)
}
