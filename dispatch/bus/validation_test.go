//go:build unit

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taggedOrder struct {
	OrderID  string `validate:"required"`
	Amount   int64  `validate:"gt=0"`
	Currency string `validate:"required,len=3"`
}

func passthroughHandler(_ context.Context, _ Request) (any, error) {
	return "handled", nil
}

func TestValidationStructTagsShortCircuit(t *testing.T) {
	invoked := false

	handler := Validation(nil)(func(_ context.Context, _ Request) (any, error) {
		invoked = true

		return nil, nil
	})

	_, err := handler(context.Background(), NewCommand("orders.create", taggedOrder{}))
	require.ErrorIs(t, err, dispatch.ErrValidationFailed)
	assert.False(t, invoked)

	var validationErr *dispatch.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Len(t, validationErr.Violations, 3)
}

func TestValidationStructTagsPass(t *testing.T) {
	handler := Validation(nil)(passthroughHandler)

	result, err := handler(context.Background(), NewCommand("orders.create", taggedOrder{
		OrderID:  "42",
		Amount:   100,
		Currency: "USD",
	}))
	require.NoError(t, err)
	assert.Equal(t, "handled", result)
}

func TestValidationPointerBodyValidated(t *testing.T) {
	handler := Validation(nil)(passthroughHandler)

	_, err := handler(context.Background(), NewCommand("orders.create", &taggedOrder{OrderID: "42", Amount: -1, Currency: "USD"}))
	require.ErrorIs(t, err, dispatch.ErrValidationFailed)
}

func TestValidationSkipsRawJSONBodies(t *testing.T) {
	handler := Validation(nil)(passthroughHandler)

	result, err := handler(context.Background(), NewEvent("orders.created", json.RawMessage(`{"amount":-1}`)))
	require.NoError(t, err)
	assert.Equal(t, "handled", result)
}

func TestValidationCollectsRegisteredValidatorViolations(t *testing.T) {
	set := NewValidatorSet()

	err := set.Register("orders.create",
		func(_ context.Context, _ Request) error {
			return dispatch.NewValidationError(dispatch.FieldViolation{Field: "tenant", Rule: "required"})
		},
		func(_ context.Context, _ Request) error {
			return dispatch.NewValidationError(dispatch.FieldViolation{Field: "region", Rule: "oneof"})
		},
	)
	require.NoError(t, err)

	handler := Validation(set)(passthroughHandler)

	_, err = handler(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, dispatch.ErrValidationFailed)

	var validationErr *dispatch.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Len(t, validationErr.Violations, 2)
}

func TestValidationPropagatesInfrastructureErrors(t *testing.T) {
	set := NewValidatorSet()
	boom := errors.New("lookup service down")

	err := set.Register("orders.create", func(_ context.Context, _ Request) error {
		return boom
	})
	require.NoError(t, err)

	handler := Validation(set)(passthroughHandler)

	_, err = handler(context.Background(), NewCommand("orders.create", nil))
	require.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, dispatch.ErrValidationFailed))
}

func TestValidationOnlyRunsForMatchingRequest(t *testing.T) {
	set := NewValidatorSet()

	err := set.Register("orders.create", func(_ context.Context, _ Request) error {
		return dispatch.NewValidationError(dispatch.FieldViolation{Field: "tenant", Rule: "required"})
	})
	require.NoError(t, err)

	handler := Validation(set)(passthroughHandler)

	result, err := handler(context.Background(), NewQuery("orders.count", nil))
	require.NoError(t, err)
	assert.Equal(t, "handled", result)
}

func TestValidatorSetRejectsNilValidator(t *testing.T) {
	set := NewValidatorSet()

	err := set.Register("orders.create", nil)
	require.ErrorIs(t, err, ErrValidatorRequired)
}
