package idempotency

import "errors"

var (
	// ErrKeyRequired is returned when an empty idempotency key is used.
	ErrKeyRequired = errors.New("idempotency key cannot be empty")

	// ErrTTLMustBePositive is returned when a record would be created without
	// an expiry.
	ErrTTLMustBePositive = errors.New("idempotency ttl must be greater than zero")

	// ErrRecordNotFound is returned when no record exists for a key.
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrAlreadyCompleted is returned when Complete or Abort target a record
	// that already holds a result. Results are immutable once written.
	ErrAlreadyCompleted = errors.New("idempotency record already completed")

	// ErrInvalidStatus is returned when a stored status value is not
	// recognized.
	ErrInvalidStatus = errors.New("invalid idempotency status")

	// ErrStoreRequired is returned when an executor is built without a store.
	ErrStoreRequired = errors.New("idempotency store cannot be nil")

	// ErrOperationRequired is returned when Do is called without an
	// operation.
	ErrOperationRequired = errors.New("idempotency operation cannot be nil")

	// ErrExecutorRequired is returned by the typed Do helper when called
	// without an executor.
	ErrExecutorRequired = errors.New("idempotency executor cannot be nil")
)
