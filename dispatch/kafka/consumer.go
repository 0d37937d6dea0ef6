package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/backoff"
	"github.com/LerianStudio/lib-dispatch/dispatch/inbox"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

const (
	defaultFetchErrorDelay  = time.Second
	defaultRequeueDelayBase = 250 * time.Millisecond
	defaultRequeueDelayMax  = 30 * time.Second
	defaultMinBytes         = 10e3
	defaultMaxBytes         = 10e6
)

// Reader is the subset of *kafkago.Reader a Consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// DeliveryProcessor decides what to do with one inbound message.
// *inbox.Processor satisfies it.
type DeliveryProcessor interface {
	Process(ctx context.Context, delivery inbox.Delivery) (inbox.Disposition, error)
}

// NewReader builds a consumer-group reader for the given topic.
func NewReader(brokers []string, groupID, topic string) (*kafkago.Reader, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if topic == "" {
		return nil, ErrTopicRequired
	}

	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: defaultMinBytes,
		MaxBytes: defaultMaxBytes,
	}), nil
}

// ConsumerConfig tunes the consume loop.
type ConsumerConfig struct {
	// FetchErrorDelay is the pause after a failed fetch before trying again.
	FetchErrorDelay time.Duration
	// RequeueDelayBase seeds the backoff between in-place retries of a
	// Requeue disposition. Kafka cannot hand a single message back to the
	// broker, so the consumer retries locally; the inbox attempt budget
	// bounds how long that lasts.
	RequeueDelayBase time.Duration
	// RequeueDelayMax caps a single in-place retry delay. Without a cap the
	// doubling would stall the partition far beyond any lease or outage
	// window once the attempt count climbs.
	RequeueDelayMax time.Duration
}

// DefaultConsumerConfig returns the production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		FetchErrorDelay:  defaultFetchErrorDelay,
		RequeueDelayBase: defaultRequeueDelayBase,
		RequeueDelayMax:  defaultRequeueDelayMax,
	}
}

func (cfg *ConsumerConfig) normalize() {
	if cfg.FetchErrorDelay <= 0 {
		cfg.FetchErrorDelay = defaultFetchErrorDelay
	}

	if cfg.RequeueDelayBase <= 0 {
		cfg.RequeueDelayBase = defaultRequeueDelayBase
	}

	if cfg.RequeueDelayMax <= 0 {
		cfg.RequeueDelayMax = defaultRequeueDelayMax
	}
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerConfig replaces the whole config; zero fields fall back to
// defaults.
func WithConsumerConfig(cfg ConsumerConfig) ConsumerOption {
	return func(consumer *Consumer) {
		consumer.cfg = cfg
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

// Consumer fetches messages and feeds them to an inbox processor, committing
// offsets only for acknowledged messages. Offsets commit in fetch order, so
// a crash before commit replays messages the inbox already recorded; the
// inbox deduplicates those replays.
type Consumer struct {
	reader    Reader
	processor DeliveryProcessor
	logger    log.Logger
	cfg       ConsumerConfig

	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ dispatch.App = (*Consumer)(nil)

// NewConsumer creates a consumer over the given reader and processor.
func NewConsumer(reader Reader, processor DeliveryProcessor, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(reader) {
		return nil, ErrReaderRequired
	}

	if nilcheck.Interface(processor) {
		return nil, ErrProcessorRequired
	}

	consumer := &Consumer{
		reader:    reader,
		processor: processor,
		logger:    log.NewNop(),
		cfg:       DefaultConsumerConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	consumer.cfg.normalize()

	return consumer, nil
}

// Run starts the consume loop until Stop is called.
func (consumer *Consumer) Run(launcher *dispatch.Launcher) error {
	return consumer.RunContext(context.Background(), launcher)
}

// RunContext starts the consume loop until Stop is called or ctx is
// cancelled.
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
		launcher.Logger.Log(ctx, log.LevelInfo, "kafka consumer started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "kafka consumer stopped")
	}

	defer func() {
		if err := consumer.reader.Close(); err != nil {
			consumer.logger.Log(context.Background(), log.LevelWarn, "kafka reader close", log.Err(err))
		}
	}()

	for {
		message, err := consumer.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}

			consumer.logger.Log(ctx, log.LevelError, "kafka fetch failed",
				log.String("error", sanitize.Error(err)))

			if waitErr := backoff.WaitContext(ctx, consumer.cfg.FetchErrorDelay); waitErr != nil {
				return nil
			}

			continue
		}

		consumer.handleMessage(ctx, message)
	}
}

// handleMessage runs the processor until the message is acknowledged or the
// context ends. Only acknowledged messages advance the committed offset; the
// loop terminates because the inbox attempt budget parks a message that
// keeps failing, which comes back as Ack.
func (consumer *Consumer) handleMessage(ctx context.Context, message kafkago.Message) {
	defer runtime.RecoverAndLogWithContext(ctx, consumer.logger, "kafka", "consumer_handle")

	delivery := toDelivery(message)

	processCtx := ctx
	if correlationID := headerValue(message, HeaderCorrelationID); correlationID != "" {
		processCtx = dispatch.ContextWithCorrelationID(ctx, correlationID)
	}

	for attempt := 0; ; attempt++ {
		disposition, err := consumer.processor.Process(processCtx, delivery)
		if disposition == inbox.Ack {
			consumer.commit(ctx, message)

			return
		}

		if err != nil {
			consumer.logger.Log(processCtx, log.LevelWarn, "kafka message retried locally",
				log.String("message_id", delivery.MessageID),
				log.Int("attempt", attempt+1),
				log.String("error", sanitize.Error(err)),
			)
		}

		delay := backoff.ExponentialWithJitter(consumer.cfg.RequeueDelayBase, consumer.cfg.RequeueDelayMax, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			// Shutdown mid-message: the offset stays uncommitted and the
			// message is fetched again after restart.
			return
		}
	}
}

func (consumer *Consumer) commit(ctx context.Context, message kafkago.Message) {
	if err := consumer.reader.CommitMessages(ctx, message); err != nil {
		// The message was handled; a lost commit only means a replay that
		// the inbox will deduplicate.
		consumer.logger.Log(ctx, log.LevelError, "kafka offset commit failed",
			log.Int64("offset", message.Offset),
			log.String("error", sanitize.Error(err)),
		)
	}
}

// Stop cancels the consume loop.
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

// toDelivery rebuilds the inbox delivery from the message headers, falling
// back to the message key and topic for producers outside this library.
func toDelivery(message kafkago.Message) inbox.Delivery {
	messageID := headerValue(message, HeaderMessageID)
	if messageID == "" {
		messageID = string(message.Key)
	}

	eventType := headerValue(message, HeaderEventType)
	if eventType == "" {
		eventType = message.Topic
	}

	return inbox.Delivery{
		MessageID: messageID,
		EventType: eventType,
		Payload:   message.Value,
	}
}

func headerValue(message kafkago.Message, key string) string {
	for _, header := range message.Headers {
		if header.Key == key {
			return string(header.Value)
		}
	}

	return ""
}
