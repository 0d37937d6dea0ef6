//go:build unit

package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createOrder struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func TestDispatchTypedCommand(t *testing.T) {
	registry := NewRegistry()

	err := RegisterCommand(registry, "orders.create", func(_ context.Context, cmd createOrder) (string, error) {
		return "order-" + cmd.OrderID, nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	result, err := DispatchTyped[string](context.Background(), dispatcher, NewCommand("orders.create", createOrder{OrderID: "42", Amount: 100}))
	require.NoError(t, err)
	assert.Equal(t, "order-42", result)
}

func TestDispatchDecodesRawJSONBody(t *testing.T) {
	registry := NewRegistry()

	var received createOrder

	err := RegisterEvent(registry, "orders.created", func(_ context.Context, event createOrder) error {
		received = event

		return nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	payload := json.RawMessage(`{"order_id":"7","amount":250}`)

	_, err = dispatcher.Dispatch(context.Background(), NewEvent("orders.created", payload))
	require.NoError(t, err)
	assert.Equal(t, "7", received.OrderID)
	assert.Equal(t, int64(250), received.Amount)
}

func TestDispatchHandlerNotFound(t *testing.T) {
	dispatcher, err := NewDispatcher(NewRegistry())
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, dispatch.ErrHandlerNotFound)
	assert.Contains(t, err.Error(), "orders.create")
}

func TestDispatchKindMismatch(t *testing.T) {
	registry := NewRegistry()

	err := RegisterCommand(registry, "orders.create", func(_ context.Context, cmd createOrder) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewQuery("orders.create", createOrder{}))
	require.ErrorIs(t, err, ErrRequestKindMismatch)
}

func TestDispatchEmptyNameRejected(t *testing.T) {
	dispatcher, err := NewDispatcher(NewRegistry())
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), Request{Kind: KindCommand})
	require.ErrorIs(t, err, ErrRequestNameRequired)
}

func TestDispatchBodyTypeMismatch(t *testing.T) {
	registry := NewRegistry()

	err := RegisterCommand(registry, "orders.create", func(_ context.Context, cmd createOrder) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewCommand("orders.create", 42))
	require.ErrorIs(t, err, ErrRequestBodyType)
}

func TestDispatchTypedResultMismatch(t *testing.T) {
	registry := NewRegistry()

	err := RegisterQuery(registry, "orders.count", func(_ context.Context, _ struct{}) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	_, err = DispatchTyped[string](context.Background(), dispatcher, NewQuery("orders.count", struct{}{}))
	require.ErrorIs(t, err, ErrResultType)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()

	handler := func(_ context.Context, _ Request) (any, error) { return nil, nil }

	require.NoError(t, registry.Register(KindCommand, "orders.create", handler))

	err := registry.Register(KindCommand, "orders.create", handler)
	require.ErrorIs(t, err, ErrHandlerAlreadyRegistered)
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(KindCommand, "orders.create", nil)
	require.ErrorIs(t, err, ErrHandlerRequired)
}

func TestRegistryNamesSorted(t *testing.T) {
	registry := NewRegistry()

	handler := func(_ context.Context, _ Request) (any, error) { return nil, nil }

	require.NoError(t, registry.Register(KindQuery, "b.query", handler))
	require.NoError(t, registry.Register(KindCommand, "a.command", handler))

	assert.Equal(t, []string{"a.command", "b.query"}, registry.Names())
}

func TestDispatcherSnapshotIgnoresLateRegistration(t *testing.T) {
	registry := NewRegistry()

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	err = registry.Register(KindCommand, "orders.create", func(_ context.Context, _ Request) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, dispatch.ErrHandlerNotFound)
}

func TestNewDispatcherRequiresRegistry(t *testing.T) {
	_, err := NewDispatcher(nil)
	require.ErrorIs(t, err, ErrRegistryRequired)
}

func TestDispatchEnsuresCorrelationID(t *testing.T) {
	registry := NewRegistry()

	var seen string

	err := registry.Register(KindCommand, "orders.create", func(ctx context.Context, _ Request) (any, error) {
		seen = dispatch.CorrelationIDFromContext(ctx)

		return nil, nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry)
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewCommand("orders.create", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
}

func TestChainOrder(t *testing.T) {
	var order []string

	tag := func(name string) Behavior {
		return func(next Handler) Handler {
			return func(ctx context.Context, req Request) (any, error) {
				order = append(order, name+":before")

				result, err := next(ctx, req)

				order = append(order, name+":after")

				return result, err
			}
		}
	}

	registry := NewRegistry()

	err := registry.Register(KindCommand, "probe", func(_ context.Context, _ Request) (any, error) {
		order = append(order, "handler")

		return nil, nil
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(registry, WithBehaviors(tag("outer"), tag("inner")))
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background(), NewCommand("probe", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}
