package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/errgroup"
	"github.com/LerianStudio/lib-dispatch/dispatch/inbox"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

const (
	defaultPrefetch    = 32
	defaultConcurrency = 4
)

// DeliveryProcessor decides what to do with one inbound delivery.
// *inbox.Processor satisfies it.
type DeliveryProcessor interface {
	Process(ctx context.Context, delivery inbox.Delivery) (inbox.Disposition, error)
}

// ConsumeChannel is the subset of *amqp.Channel a Consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ConsumerConfig tunes the consume loop.
type ConsumerConfig struct {
	// Queue is the queue deliveries are consumed from.
	Queue string
	// ConsumerTag identifies this consumer to the broker. Empty lets the
	// broker generate one.
	ConsumerTag string
	// Prefetch caps unacknowledged deliveries per channel. It bounds how
	// many messages a crashed consumer sends back to the ready queue.
	Prefetch int
	// Concurrency is how many workers process deliveries in parallel. The
	// inbox claim keeps parallel workers off the same message.
	Concurrency int
}

// DefaultConsumerConfig returns the production defaults.
func DefaultConsumerConfig(queue string) ConsumerConfig {
	return ConsumerConfig{
		Queue:       queue,
		Prefetch:    defaultPrefetch,
		Concurrency: defaultConcurrency,
	}
}

func (cfg *ConsumerConfig) normalize() {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerConfig replaces the whole config; zero fields fall back to
// defaults. Queue must stay non-empty.
func WithConsumerConfig(cfg ConsumerConfig) ConsumerOption {
	return func(consumer *Consumer) {
		consumer.cfg = cfg
	}
}

// WithConsumerTag sets the consumer tag announced to the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(consumer *Consumer) {
		consumer.cfg.ConsumerTag = tag
	}
}

// WithPrefetch overrides the unacknowledged delivery cap.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(consumer *Consumer) {
		if prefetch > 0 {
			consumer.cfg.Prefetch = prefetch
		}
	}
}

// WithConcurrency overrides the worker count.
func WithConcurrency(workers int) ConsumerOption {
	return func(consumer *Consumer) {
		if workers > 0 {
			consumer.cfg.Concurrency = workers
		}
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(consumer *Consumer) {
		if !nilcheck.Interface(logger) {
			consumer.logger = logger
		}
	}
}

// Consumer drains a queue and feeds each delivery to an inbox processor.
//
// The processor's disposition maps onto broker acknowledgements: Ack
// acknowledges the delivery, Requeue nacks it back to the queue so the
// broker redelivers it later. Deduplication and retry budgets live in the
// inbox store, not here.
type Consumer struct {
	channel   ConsumeChannel
	processor DeliveryProcessor
	logger    log.Logger
	cfg       ConsumerConfig

	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ dispatch.App = (*Consumer)(nil)

// NewConsumer creates a consumer over the given channel and processor.
func NewConsumer(channel ConsumeChannel, processor DeliveryProcessor, queue string, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Interface(processor) {
		return nil, ErrProcessorRequired
	}

	consumer := &Consumer{
		channel:   channel,
		processor: processor,
		logger:    log.NewNop(),
		cfg:       DefaultConsumerConfig(queue),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	consumer.cfg.normalize()

	if consumer.cfg.Queue == "" {
		return nil, ErrQueueRequired
	}

	return consumer, nil
}

// Run starts the consume loop until Stop is called.
func (consumer *Consumer) Run(launcher *dispatch.Launcher) error {
	return consumer.RunContext(context.Background(), launcher)
}

// RunContext starts the consume loop until Stop is called or ctx is
// cancelled. It blocks until every in-flight delivery is resolved.
func (consumer *Consumer) RunContext(parentCtx context.Context, launcher *dispatch.Launcher) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !consumer.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer consumer.clearRun()
	defer cancel()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "rabbitmq consumer started",
			log.String("queue", consumer.cfg.Queue))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "rabbitmq consumer stopped",
			log.String("queue", consumer.cfg.Queue))
	}

	if err := consumer.channel.Qos(consumer.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	deliveries, err := consumer.channel.ConsumeWithContext(ctx, consumer.cfg.Queue,
		consumer.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %q: %w", consumer.cfg.Queue, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(consumer.logger)

	for worker := 0; worker < consumer.cfg.Concurrency; worker++ {
		group.Go(func() error {
			for delivery := range deliveries {
				consumer.handle(groupCtx, delivery)
			}

			return nil
		})
	}

	return group.Wait()
}

func (consumer *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	defer runtime.RecoverAndLogWithContext(ctx, consumer.logger, "rabbitmq", "consumer_handle")

	if delivery.CorrelationId != "" {
		ctx = dispatch.ContextWithCorrelationID(ctx, delivery.CorrelationId)
	}

	disposition, err := consumer.processor.Process(ctx, inbox.Delivery{
		MessageID: delivery.MessageId,
		EventType: delivery.Type,
		Payload:   delivery.Body,
	})
	if err != nil {
		consumer.logger.Log(ctx, log.LevelDebug, "delivery processing finished with error",
			log.String("message_id", delivery.MessageId),
			log.String("disposition", disposition.String()),
			log.String("error", sanitize.Error(err)),
		)
	}

	switch disposition {
	case inbox.Ack:
		if ackErr := delivery.Ack(false); ackErr != nil {
			consumer.logger.Log(ctx, log.LevelError, "failed to ack delivery",
				log.String("message_id", delivery.MessageId),
				log.Err(ackErr),
			)
		}
	default:
		// Requeue and anything unexpected: hand the delivery back so the
		// broker retries it.
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			consumer.logger.Log(ctx, log.LevelError, "failed to nack delivery",
				log.String("message_id", delivery.MessageId),
				log.Err(nackErr),
			)
		}
	}
}

// Stop cancels the consume loop. In-flight deliveries finish before Run
// returns.
func (consumer *Consumer) Stop() {
	if consumer == nil {
		return
	}

	consumer.runStateMu.Lock()
	cancel := consumer.cancelFunc
	consumer.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (consumer *Consumer) registerRun(cancel context.CancelFunc) bool {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.running {
		return false
	}

	consumer.running = true
	consumer.cancelFunc = cancel

	return true
}

func (consumer *Consumer) clearRun() {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	consumer.running = false
	consumer.cancelFunc = nil
}
