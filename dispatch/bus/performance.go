package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/LerianStudio/lib-dispatch/dispatch/bus"

	// DefaultSlowRequestThreshold is the duration above which a dispatch is
	// logged as slow.
	DefaultSlowRequestThreshold = 500 * time.Millisecond
)

// PerformanceOption customizes the performance behavior.
type PerformanceOption func(*performanceConfig)

type performanceConfig struct {
	logger        log.Logger
	slowThreshold time.Duration
	meterProvider metric.MeterProvider
}

// WithSlowRequestThreshold overrides the slow-request warning threshold.
func WithSlowRequestThreshold(threshold time.Duration) PerformanceOption {
	return func(cfg *performanceConfig) {
		if threshold > 0 {
			cfg.slowThreshold = threshold
		}
	}
}

// WithPerformanceLogger sets the logger for slow-request warnings.
func WithPerformanceLogger(logger log.Logger) PerformanceOption {
	return func(cfg *performanceConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMeterProvider sets the provider used to create the metric instruments.
func WithMeterProvider(provider metric.MeterProvider) PerformanceOption {
	return func(cfg *performanceConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

// NewPerformance builds the performance behavior. It measures every dispatch,
// records a request counter and a duration histogram, and warns when a
// request exceeds the slow threshold.
func NewPerformance(opts ...PerformanceOption) (Behavior, error) {
	cfg := performanceConfig{
		logger:        log.NewNop(),
		slowThreshold: DefaultSlowRequestThreshold,
		meterProvider: otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	meter := cfg.meterProvider.Meter(meterName)

	requests, err := meter.Int64Counter("bus.requests",
		metric.WithDescription("Number of requests dispatched through the bus"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("creating requests counter: %w", err)
	}

	duration, err := meter.Float64Histogram("bus.request.duration",
		metric.WithDescription("Duration of request dispatch including all behaviors"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (any, error) {
			start := time.Now()

			result, err := next(ctx, req)

			elapsed := time.Since(start)
			outcome := "success"

			if err != nil {
				outcome = "error"
			}

			attrs := metric.WithAttributes(
				attribute.String("bus.request.name", req.Name),
				attribute.String("bus.request.kind", req.Kind.String()),
				attribute.String("bus.outcome", outcome),
			)

			requests.Add(ctx, 1, attrs)
			duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

			if elapsed > cfg.slowThreshold {
				cfg.logger.Log(ctx, log.LevelWarn, "slow request",
					log.String("request", req.Name),
					log.Duration("duration", elapsed),
					log.Duration("threshold", cfg.slowThreshold),
				)
			}

			return result, err
		}
	}, nil
}
