package inbox

import "errors"

var (
	// ErrMessageRequired is returned when a nil message is handed to the store.
	ErrMessageRequired = errors.New("inbox message cannot be nil")

	// ErrMessageIDRequired is returned when a message carries no id.
	ErrMessageIDRequired = errors.New("inbox message id cannot be empty")

	// ErrEventTypeRequired is returned when a message carries no event type.
	ErrEventTypeRequired = errors.New("inbox event type cannot be empty")

	// ErrPayloadRequired is returned when a message carries an empty payload.
	ErrPayloadRequired = errors.New("inbox payload cannot be empty")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("inbox payload exceeds maximum size")

	// ErrPayloadNotJSON is returned when a payload is not valid JSON.
	ErrPayloadNotJSON = errors.New("inbox payload must be valid JSON")

	// ErrInvalidStatus is returned when a status value is not recognized.
	ErrInvalidStatus = errors.New("invalid inbox status")

	// ErrInvalidStatusTransition is returned when a status change would
	// violate the message lifecycle.
	ErrInvalidStatusTransition = errors.New("invalid inbox status transition")

	// ErrMessageNotFound is returned when no message exists for an id.
	ErrMessageNotFound = errors.New("inbox message not found")

	// ErrStateConflict is returned when a state update lost the race against
	// a concurrent consumer and the row is no longer in the expected status.
	ErrStateConflict = errors.New("inbox message state conflict")

	// ErrStoreRequired is returned when a processor is built without a store.
	ErrStoreRequired = errors.New("inbox store cannot be nil")

	// ErrDispatcherRequired is returned when a processor is built without a
	// dispatcher.
	ErrDispatcherRequired = errors.New("inbox dispatcher cannot be nil")
)
