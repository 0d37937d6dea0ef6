package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
)

// Header keys carried on every produced message so consumers can rebuild an
// inbox delivery without depending on the message key.
const (
	HeaderMessageID     = "message_id"
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
)

const defaultWriteTimeout = 10 * time.Second

// Writer is the subset of *kafkago.Writer a Transport needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewWriter builds a production-tuned writer for the given topic. Writes are
// synchronous with acks from all in-sync replicas; async mode would report
// success before the cluster holds the message and break the at-least-once
// contract the outbox publisher depends on.
func NewWriter(brokers []string, topic string) (*kafkago.Writer, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if topic == "" {
		return nil, ErrTopicRequired
	}

	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: defaultWriteTimeout,
	}, nil
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger log.Logger) TransportOption {
	return func(transport *Transport) {
		if !nilcheck.Interface(logger) {
			transport.logger = logger
		}
	}
}

// WithTopic routes every envelope to a fixed topic. Only use this with
// writers that do not carry a topic of their own; kafka-go rejects messages
// that set a topic on a topic-bound writer.
func WithTopic(topic string) TransportOption {
	return func(transport *Transport) {
		transport.topic = topic
	}
}

// Transport writes outbox envelopes to Kafka.
//
// The envelope's message id becomes the message key, which pins all retries
// of one message to one partition, and travels in the headers together with
// the event type for the consuming side's inbox.
type Transport struct {
	writer Writer
	logger log.Logger
	topic  string
}

var _ outbox.Transport = (*Transport)(nil)

// NewTransport wraps a writer as an outbox transport.
func NewTransport(writer Writer, opts ...TransportOption) (*Transport, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	transport := &Transport{
		writer: writer,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	return transport, nil
}

// Publish writes the envelope and returns once the cluster acknowledged it.
func (transport *Transport) Publish(ctx context.Context, envelope outbox.Envelope) error {
	if transport == nil || transport.writer == nil {
		return ErrWriterRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	message := kafkago.Message{
		Topic: transport.topic,
		Key:   []byte(envelope.MessageID.String()),
		Value: envelope.Payload,
		Headers: []kafkago.Header{
			{Key: HeaderMessageID, Value: []byte(envelope.MessageID.String())},
			{Key: HeaderEventType, Value: []byte(envelope.EventType)},
		},
	}

	if correlationID := dispatch.CorrelationIDFromContext(ctx); correlationID != "" {
		message.Headers = append(message.Headers, kafkago.Header{
			Key:   HeaderCorrelationID,
			Value: []byte(correlationID),
		})
	}

	if err := transport.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("kafka publish %q: %w", envelope.EventType, err)
	}

	transport.logger.Log(ctx, log.LevelDebug, "kafka message acknowledged",
		log.String("message_id", envelope.MessageID.String()),
		log.String("event_type", envelope.EventType),
	)

	return nil
}

// Close closes the underlying writer.
func (transport *Transport) Close() error {
	if transport == nil || transport.writer == nil {
		return nil
	}

	return transport.writer.Close()
}
