package outbox

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval     = 2 * time.Second
	defaultBatchSize        = 50
	defaultLeaseDuration    = time.Minute
	defaultMaxAttempts      = 5
	defaultPublishTimeout   = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// PublisherConfig tunes the publish loop.
type PublisherConfig struct {
	// PollInterval is the pause between publish cycles.
	PollInterval time.Duration
	// BatchSize caps how many messages one cycle claims.
	BatchSize int
	// LeaseDuration is how long a claim shields a message from other workers.
	// Keep it comfortably above PublishTimeout so a slow broker does not let
	// a second worker reclaim a message that is still being published.
	LeaseDuration time.Duration
	// MaxAttempts is the per-message attempt budget before FAILED.
	MaxAttempts int
	// PublishTimeout bounds a single transport publish.
	PublishTimeout time.Duration
	// BreakerThreshold is the consecutive transport failures that open the
	// circuit breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
	// MeterProvider supplies the metric instruments.
	MeterProvider metric.MeterProvider
}

// DefaultPublisherConfig returns the production defaults.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultBatchSize,
		LeaseDuration:    defaultLeaseDuration,
		MaxAttempts:      defaultMaxAttempts,
		PublishTimeout:   defaultPublishTimeout,
		BreakerThreshold: defaultBreakerThreshold,
		BreakerCooldown:  defaultBreakerCooldown,
		MeterProvider:    otel.GetMeterProvider(),
	}
}

func (cfg *PublisherConfig) normalize() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}

	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}

	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherConfig replaces the whole config; zero fields fall back to
// defaults.
func WithPublisherConfig(cfg PublisherConfig) PublisherOption {
	return func(publisher *Publisher) {
		publisher.cfg = cfg
	}
}

// WithPollInterval overrides the pause between publish cycles.
func WithPollInterval(interval time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if interval > 0 {
			publisher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize overrides how many messages one cycle claims.
func WithBatchSize(size int) PublisherOption {
	return func(publisher *Publisher) {
		if size > 0 {
			publisher.cfg.BatchSize = size
		}
	}
}

// WithLeaseDuration overrides the claim lease.
func WithLeaseDuration(lease time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if lease > 0 {
			publisher.cfg.LeaseDuration = lease
		}
	}
}

// WithMaxAttempts overrides the per-message attempt budget.
func WithMaxAttempts(attempts int) PublisherOption {
	return func(publisher *Publisher) {
		if attempts > 0 {
			publisher.cfg.MaxAttempts = attempts
		}
	}
}

// WithPublishTimeout overrides the per-publish deadline.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.cfg.PublishTimeout = timeout
		}
	}
}

// WithMeterProvider overrides the provider for the metric instruments.
func WithMeterProvider(provider metric.MeterProvider) PublisherOption {
	return func(publisher *Publisher) {
		if provider != nil {
			publisher.cfg.MeterProvider = provider
		}
	}
}

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(logger) {
			publisher.logger = logger
		}
	}
}

// WithTracer sets the publisher tracer.
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(tracer) {
			publisher.tracer = tracer
		}
	}
}

// WithWorkerID overrides the generated claim owner identity. Useful when the
// deployment already has stable instance names.
func WithWorkerID(workerID string) PublisherOption {
	return func(publisher *Publisher) {
		if workerID != "" {
			publisher.workerID = workerID
		}
	}
}

// WithTerminalAlert installs a hook invoked when a message becomes FAILED,
// either by exhausting its attempts or by being discarded as poison.
func WithTerminalAlert(alert TerminalAlertFunc) PublisherOption {
	return func(publisher *Publisher) {
		if alert != nil {
			publisher.alert = alert
		}
	}
}
