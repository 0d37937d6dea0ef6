package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

const (
	defaultConfirmTimeout = 5 * time.Second

	// confirmBuffer must cover the maximum unconfirmed messages so the
	// broker's confirm notifications never block.
	confirmBuffer = 256

	contentTypeJSON = "application/json"
)

// Channel is the subset of *amqp.Channel a Transport needs. Confirm mode
// must be available on it; the transport enables it at construction.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// TransportConfig tunes the confirm-mode publisher.
type TransportConfig struct {
	// Exchange is the exchange envelopes are published to. Empty means the
	// default exchange.
	Exchange string
	// RoutingKey routes every envelope. When empty, the envelope's event
	// type is used, so consumers can bind per event.
	RoutingKey string
	// ConfirmTimeout bounds the wait for a broker confirmation.
	ConfirmTimeout time.Duration
	// Mandatory asks the broker to return unroutable messages instead of
	// silently dropping them.
	Mandatory bool
	// AppID stamps the publishing application on every message.
	AppID string
}

// DefaultTransportConfig returns the production defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConfirmTimeout: defaultConfirmTimeout,
	}
}

func (cfg *TransportConfig) normalize() {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithTransportConfig replaces the whole config; zero fields fall back to
// defaults.
func WithTransportConfig(cfg TransportConfig) TransportOption {
	return func(transport *Transport) {
		transport.cfg = cfg
	}
}

// WithExchange sets the target exchange.
func WithExchange(exchange string) TransportOption {
	return func(transport *Transport) {
		transport.cfg.Exchange = exchange
	}
}

// WithRoutingKey fixes the routing key for every envelope.
func WithRoutingKey(key string) TransportOption {
	return func(transport *Transport) {
		transport.cfg.RoutingKey = key
	}
}

// WithConfirmTimeout overrides the broker confirmation wait.
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(transport *Transport) {
		if timeout > 0 {
			transport.cfg.ConfirmTimeout = timeout
		}
	}
}

// WithMandatory asks the broker to return unroutable messages.
func WithMandatory(mandatory bool) TransportOption {
	return func(transport *Transport) {
		transport.cfg.Mandatory = mandatory
	}
}

// WithAppID stamps the publishing application on every message.
func WithAppID(appID string) TransportOption {
	return func(transport *Transport) {
		transport.cfg.AppID = appID
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger log.Logger) TransportOption {
	return func(transport *Transport) {
		if !nilcheck.Interface(logger) {
			transport.logger = logger
		}
	}
}

// Transport publishes outbox envelopes on a confirm-mode AMQP channel.
//
// Publish waits for the broker acknowledgement before returning nil, so the
// outbox publisher only marks a message PUBLISHED once the broker durably
// holds it. Publishing is serialized per transport: the confirm stream has
// no per-message correlation, so one publish+confirm flow is in flight at a
// time. Shard across transports for more throughput.
type Transport struct {
	channel  Channel
	confirms chan amqp.Confirmation
	closed   chan struct{}

	closeOnce sync.Once
	publishMu sync.Mutex

	logger log.Logger
	cfg    TransportConfig
}

var _ outbox.Transport = (*Transport)(nil)

// NewTransport enables confirm mode on the channel and wraps it as an
// outbox transport. The channel must be dedicated to this transport.
func NewTransport(channel Channel, opts ...TransportOption) (*Transport, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmBuffer)
	channel.NotifyPublish(confirms)

	closeNotify := channel.NotifyClose(make(chan *amqp.Error, 1))

	transport := &Transport{
		channel:  channel,
		confirms: confirms,
		closed:   make(chan struct{}),
		logger:   log.NewNop(),
		cfg:      DefaultTransportConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	transport.cfg.normalize()

	runtime.SafeGo(transport.logger, "rabbitmq.transport_close_monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				transport.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed by broker",
					log.String("reason", amqpErr.Reason),
					log.Int("code", amqpErr.Code),
				)
			}

			transport.markClosed()
		case <-transport.closed:
		}
	})

	return transport, nil
}

// Publish sends the envelope and waits for the broker confirmation.
func (transport *Transport) Publish(ctx context.Context, envelope outbox.Envelope) error {
	if transport == nil || transport.channel == nil {
		return ErrTransportClosed
	}

	if ctx == nil {
		ctx = context.Background()
	}

	transport.publishMu.Lock()
	defer transport.publishMu.Unlock()

	if transport.isClosed() {
		return ErrTransportClosed
	}

	routingKey := transport.cfg.RoutingKey
	if routingKey == "" {
		routingKey = envelope.EventType
	}

	publishing := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     envelope.MessageID.String(),
		Type:          envelope.EventType,
		Timestamp:     time.Now().UTC(),
		AppId:         transport.cfg.AppID,
		CorrelationId: dispatch.CorrelationIDFromContext(ctx),
		Body:          envelope.Payload,
	}

	err := transport.channel.PublishWithContext(ctx, transport.cfg.Exchange, routingKey,
		transport.cfg.Mandatory, false, publishing)
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	err = transport.waitForConfirm(ctx)
	if err != nil && confirmStreamCorrupted(err) {
		// A confirmation is still pending for this publish; it would pair
		// with the NEXT waitForConfirm call and desynchronize the stream.
		// Invalidate the channel so the outbox reclaims the message later.
		transport.logger.Log(ctx, log.LevelWarn, "rabbitmq confirm stream corrupted, closing transport",
			log.String("message_id", envelope.MessageID.String()),
			log.Err(err),
		)
		transport.markClosed()
	}

	return err
}

func (transport *Transport) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(transport.cfg.ConfirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-transport.confirms:
		if !ok {
			return ErrTransportClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-transport.closed:
		return ErrTransportClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq confirm wait: %w", ctx.Err())
	}
}

// confirmStreamCorrupted reports whether a pending confirmation was left
// behind on the confirm channel.
func confirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close permanently closes the transport and its channel.
func (transport *Transport) Close() error {
	if transport == nil {
		return nil
	}

	transport.markClosed()

	return nil
}

func (transport *Transport) markClosed() {
	transport.closeOnce.Do(func() {
		close(transport.closed)

		if err := transport.channel.Close(); err != nil {
			transport.logger.Log(context.Background(), log.LevelDebug, "rabbitmq channel close", log.Err(err))
		}
	})
}

func (transport *Transport) isClosed() bool {
	select {
	case <-transport.closed:
		return true
	default:
		return false
	}
}
