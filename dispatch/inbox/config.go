package inbox

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

const (
	defaultClaimLease  = time.Minute
	defaultMaxAttempts = 5
)

// ProcessorConfig tunes delivery processing.
type ProcessorConfig struct {
	// ClaimLease is how long a claim stays exclusive. Keep it comfortably
	// above the slowest expected handler run so a busy consumer does not
	// lose its message to a reclaim mid-handler.
	ClaimLease time.Duration
	// MaxAttempts is the per-message processing budget before FAILED.
	MaxAttempts int
	// MeterProvider supplies the metric instruments.
	MeterProvider metric.MeterProvider
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ClaimLease:    defaultClaimLease,
		MaxAttempts:   defaultMaxAttempts,
		MeterProvider: otel.GetMeterProvider(),
	}
}

func (cfg *ProcessorConfig) normalize() {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultClaimLease
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithProcessorConfig replaces the whole config; zero fields fall back to
// defaults.
func WithProcessorConfig(cfg ProcessorConfig) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg = cfg
	}
}

// WithClaimLease overrides the claim lease.
func WithClaimLease(lease time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if lease > 0 {
			processor.cfg.ClaimLease = lease
		}
	}
}

// WithMaxAttempts overrides the per-message processing budget.
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(processor *Processor) {
		if attempts > 0 {
			processor.cfg.MaxAttempts = attempts
		}
	}
}

// WithMeterProvider overrides the provider for the metric instruments.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		if provider != nil {
			processor.cfg.MeterProvider = provider
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger log.Logger) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Interface(logger) {
			processor.logger = logger
		}
	}
}

// WithTracer sets the processor tracer.
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Interface(tracer) {
			processor.tracer = tracer
		}
	}
}

// WithDiscardAlert installs a hook invoked when a message parks as FAILED,
// either by exhausting its attempts or by being discarded as unprocessable.
func WithDiscardAlert(alert DiscardAlertFunc) ProcessorOption {
	return func(processor *Processor) {
		if alert != nil {
			processor.alert = alert
		}
	}
}
