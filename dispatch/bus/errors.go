package bus

import "errors"

var (
	// ErrRegistryRequired is returned when a Dispatcher is built without a registry.
	ErrRegistryRequired = errors.New("handler registry is required")

	// ErrRequestNameRequired is returned when a request carries an empty name.
	ErrRequestNameRequired = errors.New("request name is required")

	// ErrHandlerRequired is returned when a nil handler is registered.
	ErrHandlerRequired = errors.New("handler is required")

	// ErrHandlerAlreadyRegistered is returned when a request name is registered twice.
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for request name")

	// ErrRequestKindMismatch is returned when a request is dispatched with a
	// kind different from the one its handler was registered under.
	ErrRequestKindMismatch = errors.New("request kind does not match registration")

	// ErrRequestBodyType is returned when a request body cannot be converted
	// to the type a typed handler expects.
	ErrRequestBodyType = errors.New("request body type mismatch")

	// ErrResultType is returned by DispatchTyped when the handler result is
	// not of the requested type.
	ErrResultType = errors.New("result type mismatch")

	// ErrNoActiveTransaction is returned by Raise when called outside a
	// transactional dispatch scope.
	ErrNoActiveTransaction = errors.New("no active transaction scope")

	// ErrEventSinkRequired is returned when a handler raises events but the
	// transaction behavior has no sink to flush them to.
	ErrEventSinkRequired = errors.New("event sink is required")

	// ErrUnitOfWorkRequired is returned when the transaction behavior is
	// built without a unit of work.
	ErrUnitOfWorkRequired = errors.New("unit of work is required")

	// ErrValidatorRequired is returned when a nil validator is registered.
	ErrValidatorRequired = errors.New("validator is required")

	// ErrEventTypeRequired is returned by Raise when the event type is empty.
	ErrEventTypeRequired = errors.New("event type is required")
)
