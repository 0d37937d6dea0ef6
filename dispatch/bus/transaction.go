package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/google/uuid"
)

// Tx is the transaction handle passed to handlers and sinks.
type Tx = *sql.Tx

// UnitOfWork opens a transaction scope around a function. Implementations
// commit when the function returns nil and roll back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Event is an integration event raised by a handler during a transactional
// dispatch. The transaction behavior flushes raised events to the EventSink
// inside the same transaction, so state change and event creation commit or
// roll back together.
type Event struct {
	ID         uuid.UUID
	EventType  string
	Payload    []byte
	OccurredAt time.Time
}

// EventSink persists raised events within the transaction that raised them.
type EventSink interface {
	Append(ctx context.Context, tx Tx, events ...Event) error
}

type txScopeKey struct{}

// txScope carries the open transaction and the events raised under it.
type txScope struct {
	tx Tx

	mu     sync.Mutex
	events []Event
}

func (scope *txScope) append(event Event) {
	scope.mu.Lock()
	defer scope.mu.Unlock()

	scope.events = append(scope.events, event)
}

func (scope *txScope) drain() []Event {
	scope.mu.Lock()
	defer scope.mu.Unlock()

	events := scope.events
	scope.events = nil

	return events
}

func scopeFromContext(ctx context.Context) (*txScope, bool) {
	scope, ok := ctx.Value(txScopeKey{}).(*txScope)

	return scope, ok
}

// TxFromContext returns the transaction of the enclosing dispatch scope.
// Handlers use it to run their own statements in the same transaction.
func TxFromContext(ctx context.Context) (Tx, bool) {
	scope, ok := scopeFromContext(ctx)
	if !ok {
		return nil, false
	}

	return scope.tx, true
}

// Raise records an integration event against the enclosing transaction
// scope. The event is not persisted immediately; it is flushed to the sink
// just before commit, and discarded if the transaction rolls back. Payloads
// are JSON-encoded unless already raw JSON bytes.
func Raise(ctx context.Context, eventType string, payload any) error {
	if eventType == "" {
		return ErrEventTypeRequired
	}

	scope, ok := scopeFromContext(ctx)
	if !ok {
		return ErrNoActiveTransaction
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", eventType, err)
	}

	scope.append(Event{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    encoded,
		OccurredAt: time.Now().UTC(),
	})

	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch typed := payload.(type) {
	case json.RawMessage:
		return typed, nil
	case []byte:
		return typed, nil
	default:
		return json.Marshal(payload)
	}
}

// TransactionOption customizes the transaction behavior.
type TransactionOption func(*transactionConfig)

type transactionConfig struct {
	sink EventSink
}

// WithEventSink sets the sink that receives raised events at commit time.
func WithEventSink(sink EventSink) TransactionOption {
	return func(cfg *transactionConfig) {
		if !nilcheck.Interface(sink) {
			cfg.sink = sink
		}
	}
}

// NewTransaction builds the transaction behavior. Each dispatch runs inside
// its own unit of work; nested dispatches join the ambient transaction and
// the outermost scope owns commit and event flush. When a handler raises
// events and no sink is configured, the transaction rolls back with
// ErrEventSinkRequired rather than silently dropping them.
func NewTransaction(uow UnitOfWork, opts ...TransactionOption) (Behavior, error) {
	if nilcheck.Interface(uow) {
		return nil, ErrUnitOfWorkRequired
	}

	var cfg transactionConfig

	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (any, error) {
			if _, ok := scopeFromContext(ctx); ok {
				return next(ctx, req)
			}

			var result any

			err := uow.WithinTx(ctx, func(txCtx context.Context, tx Tx) error {
				scope := &txScope{tx: tx}
				txCtx = context.WithValue(txCtx, txScopeKey{}, scope)

				var handlerErr error

				result, handlerErr = next(txCtx, req)
				if handlerErr != nil {
					return handlerErr
				}

				events := scope.drain()
				if len(events) == 0 {
					return nil
				}

				if cfg.sink == nil {
					return ErrEventSinkRequired
				}

				if err := cfg.sink.Append(txCtx, tx, events...); err != nil {
					return fmt.Errorf("flushing raised events: %w", err)
				}

				return nil
			})
			if err != nil {
				return nil, err
			}

			return result, nil
		}
	}, nil
}

// sqlUnitOfWork opens one database transaction per scope.
type sqlUnitOfWork struct {
	db *sql.DB
}

// NewSQLUnitOfWork returns a UnitOfWork backed by db. Use the primary
// connection of a postgres.Connection so writes and the event flush share
// one transaction.
func NewSQLUnitOfWork(db *sql.DB) (UnitOfWork, error) {
	if db == nil {
		return nil, ErrUnitOfWorkRequired
	}

	return &sqlUnitOfWork{db: db}, nil
}

func (uow *sqlUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := uow.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	committed = true

	return nil
}
