package idempotency

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultWaitTimeout  = 3 * time.Second
	defaultWaitInterval = 50 * time.Millisecond
)

// ExecutorConfig tunes execute-once behavior.
type ExecutorConfig struct {
	// TTL is how long a record shields its key, counted from Begin. A key
	// reused after the TTL executes afresh.
	TTL time.Duration
	// WaitForResult selects how a concurrent duplicate behaves: wait for
	// the winner's result, or reject immediately with ErrInFlight.
	WaitForResult bool
	// WaitTimeout caps how long a duplicate waits for the winner.
	WaitTimeout time.Duration
	// WaitInterval is the base delay between result polls; the actual delay
	// grows exponentially with jitter.
	WaitInterval time.Duration
	// MeterProvider supplies the metric instruments.
	MeterProvider metric.MeterProvider
}

// DefaultExecutorConfig returns the production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		TTL:           defaultTTL,
		WaitTimeout:   defaultWaitTimeout,
		WaitInterval:  defaultWaitInterval,
		MeterProvider: otel.GetMeterProvider(),
	}
}

func (cfg *ExecutorConfig) normalize() {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}

	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = defaultWaitInterval
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExecutorConfig replaces the whole config; zero fields fall back to
// defaults.
func WithExecutorConfig(cfg ExecutorConfig) ExecutorOption {
	return func(executor *Executor) {
		executor.cfg = cfg
	}
}

// WithTTL overrides how long records shield their keys.
func WithTTL(ttl time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if ttl > 0 {
			executor.cfg.TTL = ttl
		}
	}
}

// WithWaitForResult makes concurrent duplicates wait for the winner's result
// instead of being rejected with ErrInFlight.
func WithWaitForResult(wait bool) ExecutorOption {
	return func(executor *Executor) {
		executor.cfg.WaitForResult = wait
	}
}

// WithWaitTimeout overrides how long a duplicate waits for the winner.
func WithWaitTimeout(timeout time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.cfg.WaitTimeout = timeout
		}
	}
}

// WithWaitInterval overrides the base delay between result polls.
func WithWaitInterval(interval time.Duration) ExecutorOption {
	return func(executor *Executor) {
		if interval > 0 {
			executor.cfg.WaitInterval = interval
		}
	}
}

// WithMeterProvider overrides the provider for the metric instruments.
func WithMeterProvider(provider metric.MeterProvider) ExecutorOption {
	return func(executor *Executor) {
		if provider != nil {
			executor.cfg.MeterProvider = provider
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger log.Logger) ExecutorOption {
	return func(executor *Executor) {
		if !nilcheck.Interface(logger) {
			executor.logger = logger
		}
	}
}

// WithTracer sets the executor tracer.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(executor *Executor) {
		if !nilcheck.Interface(tracer) {
			executor.tracer = tracer
		}
	}
}
