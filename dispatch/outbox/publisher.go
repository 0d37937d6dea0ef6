package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

// TerminalAlertFunc is invoked when a message reaches FAILED, either by
// exhausting its attempt budget or by being discarded as poison. The hook
// runs synchronously inside the publish cycle; keep it fast.
type TerminalAlertFunc func(ctx context.Context, message *Message, cause string)

// PublishResult captures one publish cycle outcome.
type PublishResult struct {
	Claimed           int
	Published         int
	Failed            int
	Discarded         int
	StateUpdateFailed int
}

// Publisher drains the outbox: it claims batches under a lease, publishes
// them through the transport, and persists the outcome per message. Multiple
// publisher instances can run against the same store; the claim statement
// keeps them from working the same rows.
type Publisher struct {
	store     Store
	transport Transport
	logger    log.Logger
	tracer    trace.Tracer
	cfg       PublisherConfig
	breaker   *gobreaker.CircuitBreaker
	alert     TerminalAlertFunc
	workerID  string

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	publishWg  sync.WaitGroup

	metrics publisherMetrics
}

var _ dispatch.App = (*Publisher)(nil)

// NewPublisher creates a publisher over the given store and transport.
func NewPublisher(store Store, transport Transport, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	publisher := &Publisher{
		store:     store,
		transport: transport,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("outbox.noop"),
		cfg:       DefaultPublisherConfig(),
		workerID:  defaultWorkerID(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	publisher.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-transport",
		Timeout: publisher.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= publisher.cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			publisher.logger.Log(context.Background(), log.LevelWarn, "outbox transport breaker state changed",
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	metrics, err := newPublisherMetrics(publisher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	publisher.metrics = metrics

	return publisher, nil
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "publisher"
	}

	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// WorkerID returns the identity this publisher claims messages under.
func (publisher *Publisher) WorkerID() string {
	return publisher.workerID
}

// Run starts the publish loop until Stop is called.
func (publisher *Publisher) Run(launcher *dispatch.Launcher) error {
	return publisher.RunContext(context.Background(), launcher)
}

// RunContext starts the publish loop until Stop is called or ctx is cancelled.
func (publisher *Publisher) RunContext(parentCtx context.Context, launcher *dispatch.Launcher) error {
	if publisher == nil {
		return ErrPublisherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !publisher.registerRun(cancel) {
		cancel()

		return ErrPublisherRunning
	}

	defer publisher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox publisher started",
			log.String("worker_id", publisher.workerID))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox publisher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, publisher.logger, "outbox", "publisher_run")

	ticker := time.NewTicker(publisher.cfg.PollInterval)
	defer ticker.Stop()

	publisher.runCycle(ctx, "publisher_initial")

	for {
		select {
		case <-publisher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-publisher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			publisher.runCycle(ctx, "publisher_tick")
		}
	}
}

func (publisher *Publisher) runCycle(ctx context.Context, name string) {
	publisher.publishWg.Add(1)
	defer publisher.publishWg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, publisher.logger, "outbox", name)

	publisher.PublishOnceResult(ctx)
}

// Stop signals the publish loop to stop.
func (publisher *Publisher) Stop() {
	if publisher == nil {
		return
	}

	publisher.stopOnce.Do(func() {
		publisher.runStateMu.Lock()
		cancel := publisher.cancelFunc
		stop := publisher.stop
		if stop == nil {
			stop = make(chan struct{})
			publisher.stop = stop
		}
		publisher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (publisher *Publisher) Shutdown(ctx context.Context) error {
	if publisher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publisher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(publisher.logger, "outbox.publisher_shutdown_wait", runtime.KeepRunning, func() {
		publisher.publishWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher shutdown: %w", ctx.Err())
	}
}

// PublishOnce runs a single claim and publish cycle and returns how many
// messages were confirmed by the transport.
func (publisher *Publisher) PublishOnce(ctx context.Context) int {
	return publisher.PublishOnceResult(ctx).Published
}

// PublishOnceResult runs a single claim and publish cycle and returns its
// counters.
func (publisher *Publisher) PublishOnceResult(ctx context.Context) PublishResult {
	if publisher == nil || publisher.store == nil || publisher.transport == nil {
		return PublishResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := publisher.tracer.Start(ctx, "outbox.publish_cycle")
	defer span.End()

	messages, err := publisher.store.ClaimBatch(ctx, publisher.workerID, publisher.cfg.BatchSize, publisher.cfg.LeaseDuration)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		publisher.logger.Log(ctx, log.LevelError, "failed to claim outbox batch",
			log.String("error", sanitize.Error(err)))

		return PublishResult{}
	}

	result := PublishResult{Claimed: len(messages)}

	publisher.metrics.addClaimed(ctx, int64(result.Claimed))

	// Delivery is at-least-once: publish happens before MarkPublished. If the
	// state update fails after a successful publish, the message is delivered
	// again once its lease expires, and consumers must deduplicate.
	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		err := publisher.publishMessage(ctx, message)
		if err == nil {
			result.Published++

			publisher.persistPublished(ctx, message, &result)

			continue
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Claimed rows ride out their lease and get reclaimed later, with
			// no attempt consumed.
			publisher.logger.Log(ctx, log.LevelWarn, "transport circuit open, ending publish cycle early",
				log.Int("remaining", result.Claimed-result.Published-result.Failed-result.Discarded))

			break
		}

		publisher.persistFailure(ctx, message, err, &result)
	}

	publisher.metrics.addPublished(ctx, int64(result.Published))
	publisher.metrics.addFailed(ctx, int64(result.Failed))
	publisher.metrics.addDiscarded(ctx, int64(result.Discarded))
	publisher.metrics.addStateUpdateFailed(ctx, int64(result.StateUpdateFailed))
	publisher.metrics.recordCycle(ctx, time.Since(start).Seconds(), int64(result.Claimed))

	span.SetAttributes(
		attribute.Int("outbox.publish.claimed", result.Claimed),
		attribute.Int("outbox.publish.published", result.Published),
		attribute.Int("outbox.publish.failed", result.Failed),
		attribute.Int("outbox.publish.discarded", result.Discarded),
	)

	return result
}

func (publisher *Publisher) publishMessage(ctx context.Context, message *Message) error {
	if len(message.Payload) == 0 {
		return dispatch.Permanent(ErrPayloadRequired)
	}

	// Append validates this too, but a store outside this package may not;
	// an undecodable payload fails on every attempt, so discard it here
	// instead of burning the transport on it.
	if !json.Valid(message.Payload) {
		return dispatch.Permanent(ErrPayloadNotJSON)
	}

	publishCtx, cancel := context.WithTimeout(ctx, publisher.cfg.PublishTimeout)
	defer cancel()

	envelope := Envelope{
		MessageID: message.ID,
		EventType: message.EventType,
		Payload:   message.Payload,
	}

	_, err := publisher.breaker.Execute(func() (any, error) {
		return nil, publisher.transport.Publish(publishCtx, envelope)
	})

	return err
}

func (publisher *Publisher) persistPublished(ctx context.Context, message *Message, result *PublishResult) {
	if err := publisher.store.MarkPublished(ctx, message.ID, time.Now().UTC()); err != nil {
		publisher.logger.Log(ctx, log.LevelError,
			"outbox message published to broker but failed to persist PUBLISHED state; message may be redelivered",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitize.Error(err)),
		)

		result.StateUpdateFailed++
	}
}

func (publisher *Publisher) persistFailure(ctx context.Context, message *Message, publishErr error, result *PublishResult) {
	cause := sanitize.Error(publishErr)

	if dispatch.IsPermanent(publishErr) {
		result.Discarded++

		if err := publisher.store.MarkDiscarded(ctx, message.ID, cause); err != nil {
			publisher.logger.Log(ctx, log.LevelError, "failed to discard poison outbox message",
				log.String("message_id", message.ID.String()),
				log.String("error", sanitize.Error(err)),
			)

			return
		}

		publisher.logger.Log(ctx, log.LevelError, "outbox message discarded as poison",
			log.String("message_id", message.ID.String()),
			log.String("event_type", message.EventType),
			log.String("cause", cause),
		)
		publisher.fireTerminalAlert(ctx, message, cause)

		return
	}

	result.Failed++

	status, err := publisher.store.MarkFailed(ctx, message.ID, cause, publisher.cfg.MaxAttempts)
	if err != nil {
		publisher.logger.Log(ctx, log.LevelError, "failed to mark outbox message failed",
			log.String("message_id", message.ID.String()),
			log.String("error", sanitize.Error(err)),
		)

		return
	}

	if status == StatusFailed {
		publisher.logger.Log(ctx, log.LevelError, "outbox message exhausted attempts",
			log.String("message_id", message.ID.String()),
			log.String("event_type", message.EventType),
			log.String("cause", cause),
		)
		publisher.fireTerminalAlert(ctx, message, cause)
	}
}

func (publisher *Publisher) fireTerminalAlert(ctx context.Context, message *Message, cause string) {
	if publisher.alert == nil {
		return
	}

	defer runtime.RecoverAndLogWithContext(ctx, publisher.logger, "outbox", "terminal_alert")

	publisher.alert(ctx, message, cause)
}

func (publisher *Publisher) registerRun(cancel context.CancelFunc) bool {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	if publisher.running {
		return false
	}

	if publisher.stop == nil || isClosedSignal(publisher.stop) {
		publisher.stop = make(chan struct{})
		publisher.stopOnce = sync.Once{}
	}

	publisher.running = true
	publisher.cancelFunc = cancel

	return true
}

func (publisher *Publisher) clearRun() {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	publisher.running = false
	publisher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
