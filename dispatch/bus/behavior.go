package bus

import "github.com/LerianStudio/lib-dispatch/dispatch/log"

// Behavior wraps a handler with cross-cutting logic. Behaviors compose
// outermost-first: the first behavior in a chain sees the request before all
// the others and the response after them.
type Behavior func(next Handler) Handler

// Chain composes behaviors into one. Chain(a, b)(h) runs a, then b, then h.
func Chain(behaviors ...Behavior) Behavior {
	return func(next Handler) Handler {
		for i := len(behaviors) - 1; i >= 0; i-- {
			next = behaviors[i](next)
		}

		return next
	}
}

// DefaultBehaviors builds the canonical chain, outermost first:
// Logging, Performance, Validation, Retry, Transaction. Retry sits outside
// Transaction so every attempt runs in a fresh unit of work, and
// Logging/Performance/Validation run once per dispatch rather than once per
// attempt. validators may be nil; struct-tag validation still applies.
// txOpts typically carries WithEventSink so raised events flush to the
// outbox inside the transaction.
func DefaultBehaviors(logger log.Logger, validators *ValidatorSet, uow UnitOfWork, txOpts ...TransactionOption) ([]Behavior, error) {
	performance, err := NewPerformance(WithPerformanceLogger(logger))
	if err != nil {
		return nil, err
	}

	transaction, err := NewTransaction(uow, txOpts...)
	if err != nil {
		return nil, err
	}

	return []Behavior{
		Logging(logger),
		performance,
		Validation(validators),
		Retry(WithRetryLogger(logger)),
		transaction,
	}, nil
}
