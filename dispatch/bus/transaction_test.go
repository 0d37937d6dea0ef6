//go:build unit

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnitOfWork struct {
	mu         sync.Mutex
	begun      int
	committed  int
	rolledBack int
	beginErr   error
}

func (uow *fakeUnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if uow.beginErr != nil {
		return uow.beginErr
	}

	uow.mu.Lock()
	uow.begun++
	uow.mu.Unlock()

	err := fn(ctx, nil)

	uow.mu.Lock()
	defer uow.mu.Unlock()

	if err != nil {
		uow.rolledBack++

		return err
	}

	uow.committed++

	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (sink *fakeSink) Append(_ context.Context, _ Tx, events ...Event) error {
	if sink.err != nil {
		return sink.err
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	sink.events = append(sink.events, events...)

	return nil
}

func TestTransactionFlushesRaisedEventsBeforeCommit(t *testing.T) {
	uow := &fakeUnitOfWork{}
	sink := &fakeSink{}

	behavior, err := NewTransaction(uow, WithEventSink(sink))
	require.NoError(t, err)

	handler := behavior(func(ctx context.Context, _ Request) (any, error) {
		require.NoError(t, Raise(ctx, "orders.created", map[string]string{"order_id": "42"}))
		require.NoError(t, Raise(ctx, "orders.audited", []byte(`{"who":"system"}`)))

		return "created", nil
	})

	result, err := handler(context.Background(), NewCommand("orders.create", nil))
	require.NoError(t, err)
	assert.Equal(t, "created", result)
	assert.Equal(t, 1, uow.committed)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "orders.created", sink.events[0].EventType)
	assert.JSONEq(t, `{"order_id":"42"}`, string(sink.events[0].Payload))
	assert.NotEqual(t, sink.events[0].ID, sink.events[1].ID)
	assert.False(t, sink.events[0].OccurredAt.IsZero())
}

func TestTransactionRollbackDropsRaisedEvents(t *testing.T) {
	uow := &fakeUnitOfWork{}
	sink := &fakeSink{}
	boom := errors.New("insufficient funds")

	behavior, err := NewTransaction(uow, WithEventSink(sink))
	require.NoError(t, err)

	handler := behavior(func(ctx context.Context, _ Request) (any, error) {
		require.NoError(t, Raise(ctx, "orders.created", map[string]string{"order_id": "42"}))

		return nil, boom
	})

	_, err = handler(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, uow.rolledBack)
	assert.Empty(t, sink.events)
}

func TestTransactionSinkFailureRollsBack(t *testing.T) {
	uow := &fakeUnitOfWork{}
	sink := &fakeSink{err: errors.New("outbox insert failed")}

	behavior, err := NewTransaction(uow, WithEventSink(sink))
	require.NoError(t, err)

	handler := behavior(func(ctx context.Context, _ Request) (any, error) {
		require.NoError(t, Raise(ctx, "orders.created", map[string]string{"order_id": "42"}))

		return nil, nil
	})

	_, err = handler(context.Background(), NewCommand("orders.create", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox insert failed")
	assert.Equal(t, 1, uow.rolledBack)
	assert.Equal(t, 0, uow.committed)
}

func TestTransactionWithoutSinkFailsWhenEventsRaised(t *testing.T) {
	uow := &fakeUnitOfWork{}

	behavior, err := NewTransaction(uow)
	require.NoError(t, err)

	handler := behavior(func(ctx context.Context, _ Request) (any, error) {
		require.NoError(t, Raise(ctx, "orders.created", map[string]string{"order_id": "42"}))

		return nil, nil
	})

	_, err = handler(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, ErrEventSinkRequired)
	assert.Equal(t, 1, uow.rolledBack)
}

func TestTransactionWithoutSinkCommitsWhenNothingRaised(t *testing.T) {
	uow := &fakeUnitOfWork{}

	behavior, err := NewTransaction(uow)
	require.NoError(t, err)

	handler := behavior(passthroughHandler)

	result, err := handler(context.Background(), NewCommand("orders.create", nil))
	require.NoError(t, err)
	assert.Equal(t, "handled", result)
	assert.Equal(t, 1, uow.committed)
}

func TestNestedDispatchJoinsAmbientTransaction(t *testing.T) {
	uow := &fakeUnitOfWork{}
	sink := &fakeSink{}

	behavior, err := NewTransaction(uow, WithEventSink(sink))
	require.NoError(t, err)

	inner := behavior(func(ctx context.Context, _ Request) (any, error) {
		require.NoError(t, Raise(ctx, "inner.done", map[string]string{}))

		return nil, nil
	})

	outer := behavior(func(ctx context.Context, req Request) (any, error) {
		require.NoError(t, Raise(ctx, "outer.started", map[string]string{}))

		return inner(ctx, req)
	})

	_, err = outer(context.Background(), NewCommand("orders.create", nil))
	require.NoError(t, err)

	assert.Equal(t, 1, uow.begun)
	require.Len(t, sink.events, 2)
	assert.Equal(t, "outer.started", sink.events[0].EventType)
	assert.Equal(t, "inner.done", sink.events[1].EventType)
}

func TestRaiseOutsideTransactionScope(t *testing.T) {
	err := Raise(context.Background(), "orders.created", nil)
	require.ErrorIs(t, err, ErrNoActiveTransaction)
}

func TestRaiseRequiresEventType(t *testing.T) {
	err := Raise(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrEventTypeRequired)
}

func TestTxFromContextOutsideScope(t *testing.T) {
	tx, ok := TxFromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, tx)
}

func TestNewTransactionRequiresUnitOfWork(t *testing.T) {
	_, err := NewTransaction(nil)
	require.ErrorIs(t, err, ErrUnitOfWorkRequired)
}

func TestNewSQLUnitOfWorkRequiresDB(t *testing.T) {
	_, err := NewSQLUnitOfWork(nil)
	require.ErrorIs(t, err, ErrUnitOfWorkRequired)
}
