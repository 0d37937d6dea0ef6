package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/LerianStudio/lib-dispatch/dispatch/outbox"

type publisherMetrics struct {
	claimed           metric.Int64Counter
	published         metric.Int64Counter
	failed            metric.Int64Counter
	discarded         metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	claimedDepth      metric.Int64Gauge
}

func newPublisherMetrics(provider metric.MeterProvider) (publisherMetrics, error) {
	meter := provider.Meter(meterName)

	claimed, err := meter.Int64Counter("outbox.messages.claimed",
		metric.WithDescription("Number of outbox messages claimed for publishing"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating claimed counter: %w", err)
	}

	published, err := meter.Int64Counter("outbox.messages.published",
		metric.WithDescription("Number of outbox messages confirmed by the transport"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating published counter: %w", err)
	}

	failed, err := meter.Int64Counter("outbox.messages.failed",
		metric.WithDescription("Number of outbox publish attempts that failed"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating failed counter: %w", err)
	}

	discarded, err := meter.Int64Counter("outbox.messages.discarded",
		metric.WithDescription("Number of poison messages parked as FAILED"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating discarded counter: %w", err)
	}

	stateUpdateFailed, err := meter.Int64Counter("outbox.state_update_failures",
		metric.WithDescription("Number of messages published but not persisted as PUBLISHED"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating state update failure counter: %w", err)
	}

	cycleDuration, err := meter.Float64Histogram("outbox.publish_cycle.duration",
		metric.WithDescription("Duration of one claim and publish cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating cycle duration histogram: %w", err)
	}

	claimedDepth, err := meter.Int64Gauge("outbox.claimed_batch.size",
		metric.WithDescription("Messages claimed by the most recent cycle"),
		metric.WithUnit("1"))
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("creating claimed batch gauge: %w", err)
	}

	return publisherMetrics{
		claimed:           claimed,
		published:         published,
		failed:            failed,
		discarded:         discarded,
		stateUpdateFailed: stateUpdateFailed,
		cycleDuration:     cycleDuration,
		claimedDepth:      claimedDepth,
	}, nil
}

func (metrics publisherMetrics) addClaimed(ctx context.Context, count int64) {
	if metrics.claimed == nil || count <= 0 {
		return
	}

	metrics.claimed.Add(ctx, count)
}

func (metrics publisherMetrics) addPublished(ctx context.Context, count int64) {
	if metrics.published == nil || count <= 0 {
		return
	}

	metrics.published.Add(ctx, count)
}

func (metrics publisherMetrics) addFailed(ctx context.Context, count int64) {
	if metrics.failed == nil || count <= 0 {
		return
	}

	metrics.failed.Add(ctx, count)
}

func (metrics publisherMetrics) addDiscarded(ctx context.Context, count int64) {
	if metrics.discarded == nil || count <= 0 {
		return
	}

	metrics.discarded.Add(ctx, count)
}

func (metrics publisherMetrics) addStateUpdateFailed(ctx context.Context, count int64) {
	if metrics.stateUpdateFailed == nil || count <= 0 {
		return
	}

	metrics.stateUpdateFailed.Add(ctx, count)
}

func (metrics publisherMetrics) recordCycle(ctx context.Context, seconds float64, batch int64) {
	if metrics.cycleDuration != nil {
		metrics.cycleDuration.Record(ctx, seconds)
	}

	if metrics.claimedDepth != nil {
		metrics.claimedDepth.Record(ctx, batch)
	}
}
