//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
)

type fakeChannel struct {
	mu sync.Mutex

	confirmErr  error
	publishErr  error
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error

	published []amqp.Publishing
	exchanges []string
	keys      []string
	closed    bool

	// confirmOnPublish, when set, queues this confirmation as soon as a
	// publish lands.
	confirmOnPublish *amqp.Confirmation
}

func (ch *fakeChannel) Confirm(bool) error { return ch.confirmErr }

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.confirms = confirm

	return confirm
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closeNotify = c

	return c
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.publishErr != nil {
		return ch.publishErr
	}

	ch.published = append(ch.published, msg)
	ch.exchanges = append(ch.exchanges, exchange)
	ch.keys = append(ch.keys, key)

	if ch.confirmOnPublish != nil {
		ch.confirms <- *ch.confirmOnPublish
	}

	return nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closed = true

	return nil
}

func (ch *fakeChannel) publishedCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return len(ch.published)
}

func testEnvelope() outbox.Envelope {
	return outbox.Envelope{
		MessageID: uuid.New(),
		EventType: "orders.created",
		Payload:   []byte(`{"order_id":"42"}`),
	}
}

func TestNewTransportRequiresChannel(t *testing.T) {
	_, err := NewTransport(nil)
	require.ErrorIs(t, err, ErrChannelRequired)
}

func TestNewTransportRequiresConfirmMode(t *testing.T) {
	channel := &fakeChannel{confirmErr: errors.New("confirms disabled")}

	_, err := NewTransport(channel)
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestTransportPublishWaitsForAck(t *testing.T) {
	channel := &fakeChannel{confirmOnPublish: &amqp.Confirmation{Ack: true, DeliveryTag: 1}}

	transport, err := NewTransport(channel, WithExchange("events"), WithAppID("orders-api"))
	require.NoError(t, err)

	envelope := testEnvelope()
	require.NoError(t, transport.Publish(context.Background(), envelope))

	require.Equal(t, 1, channel.publishedCount())
	assert.Equal(t, "events", channel.exchanges[0])
	assert.Equal(t, "orders.created", channel.keys[0], "event type routes when no fixed key is set")

	msg := channel.published[0]
	assert.Equal(t, envelope.MessageID.String(), msg.MessageId)
	assert.Equal(t, "orders.created", msg.Type)
	assert.Equal(t, "orders-api", msg.AppId)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.JSONEq(t, `{"order_id":"42"}`, string(msg.Body))
}

func TestTransportFixedRoutingKey(t *testing.T) {
	channel := &fakeChannel{confirmOnPublish: &amqp.Confirmation{Ack: true, DeliveryTag: 1}}

	transport, err := NewTransport(channel, WithRoutingKey("integration-events"))
	require.NoError(t, err)

	require.NoError(t, transport.Publish(context.Background(), testEnvelope()))
	assert.Equal(t, "integration-events", channel.keys[0])
}

func TestTransportPublishNacked(t *testing.T) {
	channel := &fakeChannel{confirmOnPublish: &amqp.Confirmation{Ack: false, DeliveryTag: 7}}

	transport, err := NewTransport(channel)
	require.NoError(t, err)

	err = transport.Publish(context.Background(), testEnvelope())
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, transport.isClosed(), "a nack does not corrupt the confirm stream")
}

func TestTransportConfirmTimeoutClosesTransport(t *testing.T) {
	channel := &fakeChannel{}

	transport, err := NewTransport(channel, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = transport.Publish(context.Background(), testEnvelope())
	require.ErrorIs(t, err, ErrConfirmTimeout)

	assert.True(t, transport.isClosed())

	err = transport.Publish(context.Background(), testEnvelope())
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestTransportPublishError(t *testing.T) {
	publishErr := errors.New("exchange gone")
	channel := &fakeChannel{publishErr: publishErr}

	transport, err := NewTransport(channel)
	require.NoError(t, err)

	err = transport.Publish(context.Background(), testEnvelope())
	require.ErrorIs(t, err, publishErr)
	assert.False(t, transport.isClosed())
}

func TestTransportBrokerCloseStopsPublishing(t *testing.T) {
	channel := &fakeChannel{}

	transport, err := NewTransport(channel)
	require.NoError(t, err)

	channel.closeNotify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	require.Eventually(t, transport.isClosed, time.Second, 5*time.Millisecond)

	err = transport.Publish(context.Background(), testEnvelope())
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.Zero(t, channel.publishedCount())
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	channel := &fakeChannel{}

	transport, err := NewTransport(channel)
	require.NoError(t, err)

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	assert.True(t, channel.closed)
}
