//go:build unit

package outbox

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDefaults(t *testing.T) {
	message, err := NewMessage("orders.created", []byte(`{"order_id":"42"}`))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, message.ID)
	assert.Equal(t, "orders.created", message.EventType)
	assert.Equal(t, StatusPending, message.Status)
	assert.Zero(t, message.Attempts)
	assert.Empty(t, message.ClaimedBy)
	assert.Nil(t, message.ClaimedUntil)
	assert.Nil(t, message.PublishedAt)
	assert.False(t, message.CreatedAt.IsZero())
}

func TestNewMessageTrimsEventType(t *testing.T) {
	message, err := NewMessage("  orders.created  ", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "orders.created", message.EventType)
}

func TestNewMessageValidation(t *testing.T) {
	tests := []struct {
		name      string
		id        uuid.UUID
		eventType string
		payload   []byte
		wantErr   error
	}{
		{name: "nil id", id: uuid.Nil, eventType: "orders.created", payload: []byte(`{}`), wantErr: ErrMessageIDRequired},
		{name: "empty event type", id: uuid.New(), eventType: "   ", payload: []byte(`{}`), wantErr: ErrEventTypeRequired},
		{name: "empty payload", id: uuid.New(), eventType: "orders.created", payload: nil, wantErr: ErrPayloadRequired},
		{name: "oversized payload", id: uuid.New(), eventType: "orders.created", payload: oversizedPayload(), wantErr: ErrPayloadTooLarge},
		{name: "invalid json", id: uuid.New(), eventType: "orders.created", payload: []byte(`{"broken"`), wantErr: ErrPayloadNotJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessageWithID(tt.id, tt.eventType, tt.payload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func oversizedPayload() []byte {
	padding := bytes.Repeat([]byte("a"), MaxPayloadBytes)

	return append([]byte(`{"pad":"`), append(padding, `"}`...)...)
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	message := &Message{}
	assert.False(t, message.LeaseExpired(now))

	message.ClaimedUntil = &future
	assert.False(t, message.LeaseExpired(now))

	message.ClaimedUntil = &past
	assert.True(t, message.LeaseExpired(now))
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("PENDING")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	_, err = ParseStatus("UNKNOWN")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusPublished, false},
		{StatusProcessing, StatusPublished, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusFailed, true},
		{StatusPublished, StatusPending, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(string(tt.from), string(tt.to))
			if tt.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidStatusTransition)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusPublished.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	err := ValidateTransition("BOGUS", "PENDING")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
