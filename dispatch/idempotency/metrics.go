package idempotency

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LerianStudio/lib-dispatch/dispatch/idempotency"

type executorMetrics struct {
	executed        metric.Int64Counter
	replayed        metric.Int64Counter
	inFlight        metric.Int64Counter
	aborted         metric.Int64Counter
	recordFailures  metric.Int64Counter
	executeDuration metric.Float64Histogram
}

func newExecutorMetrics(provider metric.MeterProvider) (executorMetrics, error) {
	meter := provider.Meter(meterName)

	executed, err := meter.Int64Counter("idempotency.operations.executed",
		metric.WithDescription("Number of operations that actually ran"),
		metric.WithUnit("1"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating executed counter: %w", err)
	}

	replayed, err := meter.Int64Counter("idempotency.operations.replayed",
		metric.WithDescription("Number of requests served from a stored result"),
		metric.WithUnit("1"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating replayed counter: %w", err)
	}

	inFlight, err := meter.Int64Counter("idempotency.operations.in_flight",
		metric.WithDescription("Number of requests that found their key being processed"),
		metric.WithUnit("1"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating in-flight counter: %w", err)
	}

	aborted, err := meter.Int64Counter("idempotency.operations.aborted",
		metric.WithDescription("Number of placeholders released after operation failure"),
		metric.WithUnit("1"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating aborted counter: %w", err)
	}

	recordFailures, err := meter.Int64Counter("idempotency.record_failures",
		metric.WithDescription("Number of operations that ran but whose result could not be recorded"),
		metric.WithUnit("1"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating record failure counter: %w", err)
	}

	executeDuration, err := meter.Float64Histogram("idempotency.do.duration",
		metric.WithDescription("Duration of one Do call including waits"),
		metric.WithUnit("s"))
	if err != nil {
		return executorMetrics{}, fmt.Errorf("creating duration histogram: %w", err)
	}

	return executorMetrics{
		executed:        executed,
		replayed:        replayed,
		inFlight:        inFlight,
		aborted:         aborted,
		recordFailures:  recordFailures,
		executeDuration: executeDuration,
	}, nil
}

func (metrics executorMetrics) addExecuted(ctx context.Context) {
	if metrics.executed == nil {
		return
	}

	metrics.executed.Add(ctx, 1)
}

func (metrics executorMetrics) addReplayed(ctx context.Context) {
	if metrics.replayed == nil {
		return
	}

	metrics.replayed.Add(ctx, 1)
}

func (metrics executorMetrics) addInFlight(ctx context.Context) {
	if metrics.inFlight == nil {
		return
	}

	metrics.inFlight.Add(ctx, 1)
}

func (metrics executorMetrics) addAborted(ctx context.Context) {
	if metrics.aborted == nil {
		return
	}

	metrics.aborted.Add(ctx, 1)
}

func (metrics executorMetrics) addRecordFailure(ctx context.Context) {
	if metrics.recordFailures == nil {
		return
	}

	metrics.recordFailures.Add(ctx, 1)
}

func (metrics executorMetrics) recordDo(ctx context.Context, seconds float64) {
	if metrics.executeDuration == nil {
		return
	}

	metrics.executeDuration.Record(ctx, seconds)
}
