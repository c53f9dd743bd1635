// Package retry is the one retry policy used for caption strategies and
// AI calls: a bounded number of attempts with exponential backoff,
// jitter and a caller-supplied retryable predicate.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy controls retry behavior. The zero value makes a single attempt.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; each further
	// failure doubles it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each wait by up to ±Jitter of its length (0..1).
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// Name labels log lines.
	Name   string
	Logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the un-jittered wait after the given failed attempt
// (1-based): BaseDelay × 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	delta := (rand.Float64()*2 - 1) * j * float64(d)
	return d + time.Duration(delta)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned as is so
// callers can inspect it with errors.Is and errors.As.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := p.jittered(p.Backoff(attempt))
		logger.Debug("retrying",
			"op", p.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait,
			"error", err,
		)
		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
