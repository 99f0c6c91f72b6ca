package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages and the final error.
	Name string

	// Attempts is the total number of tries, the first call included.
	// Default: 5.
	Attempts int

	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	// Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 5s.
	MaxDelay time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx
// ends. Waits between attempts grow exponentially from BaseDelay up to
// MaxDelay, with equal jitter so stalled consumers do not retry in lockstep.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Name == "" {
		cfg.Name = "operation"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= cfg.Attempts {
			break
		}

		wait := delay/2 + rand.N(delay/2+1)
		slog.Debug("retrying after failure",
			"name", cfg.Name, "attempt", attempt, "wait", wait, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("resilience: %s: %d attempts exhausted: %w", cfg.Name, cfg.Attempts, lastErr)
}
