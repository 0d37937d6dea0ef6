// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates the delay for the given attempt as base * 2^attempt,
// clamped to max, with overflow protection. Negative attempts are treated as
// 0; a max of zero or less means no cap.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	delay := time.Duration(math.MaxInt64)
	if int64(base) <= math.MaxInt64/multiplier {
		delay = base * time.Duration(multiplier)
	}

	if max > 0 && delay > max {
		return max
	}

	return delay
}

// FullJitter returns a random duration in [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter spread, not a secret
}

// ExponentialWithJitter combines exponential backoff with full jitter,
// returning a random duration in [0, min(base * 2^attempt, max)). This
// implements the "Full Jitter" strategy recommended by AWS. A max of zero or
// less means no cap.
func ExponentialWithJitter(base, max time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, max, attempt))
}

// WaitContext sleeps for the specified duration but respects context
// cancellation. Returns nil if the sleep completes, or an error if the
// context is cancelled first. Returns immediately for zero or negative
// durations.
func WaitContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
