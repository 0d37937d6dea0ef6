package bus

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/backoff"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

const (
	// DefaultMaxAttempts is the number of times a request is tried before its
	// last error is returned.
	DefaultMaxAttempts = 3

	// DefaultRetryBaseDelay seeds the exponential backoff between attempts.
	DefaultRetryBaseDelay = 50 * time.Millisecond

	// DefaultRetryMaxDelay caps a single backoff sleep between attempts.
	DefaultRetryMaxDelay = 5 * time.Second
)

// RetryOption customizes the retry behavior.
type RetryOption func(*retryConfig)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      log.Logger
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(attempts int) RetryOption {
	return func(cfg *retryConfig) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay overrides the backoff base delay.
func WithRetryBaseDelay(delay time.Duration) RetryOption {
	return func(cfg *retryConfig) {
		if delay > 0 {
			cfg.baseDelay = delay
		}
	}
}

// WithRetryMaxDelay caps a single backoff sleep between attempts.
func WithRetryMaxDelay(delay time.Duration) RetryOption {
	return func(cfg *retryConfig) {
		if delay > 0 {
			cfg.maxDelay = delay
		}
	}
}

// WithRetryLogger sets the logger for per-attempt warnings.
func WithRetryLogger(logger log.Logger) RetryOption {
	return func(cfg *retryConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Retry re-runs the downstream chain on transient failures with jittered
// exponential backoff. Permanent errors and validation failures pass through
// on the first attempt. Place it outside the transaction behavior so every
// attempt gets a fresh unit of work. The attempt counter stays internal; the
// caller sees only the last error.
func Retry(opts ...RetryOption) Behavior {
	cfg := retryConfig{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultRetryBaseDelay,
		maxDelay:    DefaultRetryMaxDelay,
		logger:      log.NewNop(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (any, error) {
			var lastErr error

			for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
				if attempt > 0 {
					delay := backoff.ExponentialWithJitter(cfg.baseDelay, cfg.maxDelay, attempt-1)
					if err := backoff.WaitContext(ctx, delay); err != nil {
						return nil, err
					}
				}

				result, err := next(ctx, req)
				if err == nil {
					return result, nil
				}

				if !dispatch.IsTransient(err) {
					return nil, err
				}

				lastErr = err

				if attempt+1 < cfg.maxAttempts {
					cfg.logger.Log(ctx, log.LevelWarn, "transient failure, will retry",
						log.String("request", req.Name),
						log.Int("attempt", attempt+1),
						log.Int("max_attempts", cfg.maxAttempts),
						log.Err(err),
					)
				}
			}

			return nil, lastErr
		}
	}
}
