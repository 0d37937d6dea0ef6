package outbox

import "errors"

var (
	// ErrMessageRequired is returned when a nil message is handed to the store
	// or publisher.
	ErrMessageRequired = errors.New("outbox message is required")

	// ErrMessageIDRequired is returned when a message is built with a nil id.
	ErrMessageIDRequired = errors.New("outbox message id is required")

	// ErrEventTypeRequired is returned when a message is built without an
	// event type.
	ErrEventTypeRequired = errors.New("outbox event type is required")

	// ErrPayloadRequired is returned when a message is built with an empty
	// payload.
	ErrPayloadRequired = errors.New("outbox payload is required")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("outbox payload exceeds max size")

	// ErrPayloadNotJSON is returned when a payload is not valid JSON.
	ErrPayloadNotJSON = errors.New("outbox payload must be valid JSON")

	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid outbox status")

	// ErrInvalidStatusTransition is returned when a status change violates the
	// lifecycle.
	ErrInvalidStatusTransition = errors.New("invalid outbox status transition")

	// ErrMessageNotFound is returned when a store operation targets an id that
	// does not exist.
	ErrMessageNotFound = errors.New("outbox message not found")

	// ErrStateConflict is returned when a store mutation finds the row in a
	// state other than the one the operation expects, for example marking a
	// message published after its lease was reclaimed by another worker.
	ErrStateConflict = errors.New("outbox message state conflict")

	// ErrStoreRequired is returned when a publisher or sink is built without a
	// store.
	ErrStoreRequired = errors.New("outbox store is required")

	// ErrTransportRequired is returned when a publisher is built without a
	// transport.
	ErrTransportRequired = errors.New("outbox transport is required")

	// ErrPublisherRequired is returned when lifecycle methods are called on a
	// nil publisher.
	ErrPublisherRequired = errors.New("outbox publisher is required")

	// ErrPublisherRunning is returned when Run is called on a publisher that
	// is already running.
	ErrPublisherRunning = errors.New("outbox publisher already running")
)
