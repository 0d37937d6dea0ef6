package rabbitmq

import "errors"

var (
	// ErrChannelRequired is returned when a transport or consumer is built
	// without an AMQP channel.
	ErrChannelRequired = errors.New("rabbitmq channel is required")

	// ErrProcessorRequired is returned when a consumer is built without a
	// delivery processor.
	ErrProcessorRequired = errors.New("rabbitmq delivery processor is required")

	// ErrQueueRequired is returned when a consumer is built without a queue
	// name.
	ErrQueueRequired = errors.New("rabbitmq queue name is required")

	// ErrConfirmModeUnavailable is returned when the channel rejects confirm
	// mode.
	ErrConfirmModeUnavailable = errors.New("rabbitmq channel does not support confirm mode")

	// ErrPublishNacked is returned when the broker refuses a published
	// message. Nacks are retryable; the outbox keeps the message PENDING.
	ErrPublishNacked = errors.New("rabbitmq message was nacked by broker")

	// ErrConfirmTimeout is returned when the broker confirmation does not
	// arrive within the configured window.
	ErrConfirmTimeout = errors.New("rabbitmq confirmation timed out")

	// ErrTransportClosed is returned when publishing through a transport
	// whose channel has been closed or invalidated.
	ErrTransportClosed = errors.New("rabbitmq transport is closed")

	// ErrConsumerRequired is returned when lifecycle methods are called on a
	// nil consumer.
	ErrConsumerRequired = errors.New("rabbitmq consumer is required")

	// ErrConsumerRunning is returned when Run is called on a consumer that is
	// already running.
	ErrConsumerRunning = errors.New("rabbitmq consumer already running")
)
