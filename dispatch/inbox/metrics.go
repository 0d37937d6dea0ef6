package inbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LerianStudio/lib-dispatch/dispatch/inbox"

type processorMetrics struct {
	processed       metric.Int64Counter
	duplicates      metric.Int64Counter
	inFlight        metric.Int64Counter
	retried         metric.Int64Counter
	discarded       metric.Int64Counter
	processDuration metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	meter := provider.Meter(meterName)

	processed, err := meter.Int64Counter("inbox.messages.processed",
		metric.WithDescription("Number of inbox messages whose handler completed"),
		metric.WithUnit("1"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating processed counter: %w", err)
	}

	duplicates, err := meter.Int64Counter("inbox.messages.duplicates",
		metric.WithDescription("Number of redeliveries acknowledged without running the handler"),
		metric.WithUnit("1"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating duplicates counter: %w", err)
	}

	inFlight, err := meter.Int64Counter("inbox.messages.in_flight",
		metric.WithDescription("Number of deliveries requeued because another consumer held the claim"),
		metric.WithUnit("1"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating in-flight counter: %w", err)
	}

	retried, err := meter.Int64Counter("inbox.messages.retried",
		metric.WithDescription("Number of failed attempts that left the message retryable"),
		metric.WithUnit("1"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating retried counter: %w", err)
	}

	discarded, err := meter.Int64Counter("inbox.messages.discarded",
		metric.WithDescription("Number of messages parked as FAILED"),
		metric.WithUnit("1"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating discarded counter: %w", err)
	}

	processDuration, err := meter.Float64Histogram("inbox.process.duration",
		metric.WithDescription("Duration of processing one delivery"),
		metric.WithUnit("s"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("creating process duration histogram: %w", err)
	}

	return processorMetrics{
		processed:       processed,
		duplicates:      duplicates,
		inFlight:        inFlight,
		retried:         retried,
		discarded:       discarded,
		processDuration: processDuration,
	}, nil
}

func (metrics processorMetrics) addProcessed(ctx context.Context) {
	if metrics.processed == nil {
		return
	}

	metrics.processed.Add(ctx, 1)
}

func (metrics processorMetrics) addDuplicate(ctx context.Context) {
	if metrics.duplicates == nil {
		return
	}

	metrics.duplicates.Add(ctx, 1)
}

func (metrics processorMetrics) addInFlight(ctx context.Context) {
	if metrics.inFlight == nil {
		return
	}

	metrics.inFlight.Add(ctx, 1)
}

func (metrics processorMetrics) addRetried(ctx context.Context) {
	if metrics.retried == nil {
		return
	}

	metrics.retried.Add(ctx, 1)
}

func (metrics processorMetrics) addDiscarded(ctx context.Context) {
	if metrics.discarded == nil {
		return
	}

	metrics.discarded.Add(ctx, 1)
}

func (metrics processorMetrics) recordProcess(ctx context.Context, seconds float64) {
	if metrics.processDuration == nil {
		return
	}

	metrics.processDuration.Record(ctx, seconds)
}
