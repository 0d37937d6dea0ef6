//go:build unit

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-dispatch/dispatch/bus"
)

func TestNewSinkRequiresStore(t *testing.T) {
	_, err := NewSink(nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestSinkAppendsRaisedEvents(t *testing.T) {
	store := &fakeStore{}

	sink, err := NewSink(store)
	require.NoError(t, err)

	occurred := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []bus.Event{
		{ID: uuid.New(), EventType: "orders.created", Payload: []byte(`{"order_id":"42"}`), OccurredAt: occurred},
		{ID: uuid.New(), EventType: "orders.audited", Payload: []byte(`{"who":"system"}`), OccurredAt: occurred},
	}

	require.NoError(t, sink.Append(context.Background(), nil, events...))

	require.Len(t, store.appended, 2)
	assert.Equal(t, events[0].ID, store.appended[0].ID)
	assert.Equal(t, "orders.created", store.appended[0].EventType)
	assert.Equal(t, StatusPending, store.appended[0].Status)
	assert.Equal(t, occurred, store.appended[0].CreatedAt)
}

func TestSinkRejectsInvalidEvent(t *testing.T) {
	store := &fakeStore{}

	sink, err := NewSink(store)
	require.NoError(t, err)

	event := bus.Event{ID: uuid.New(), EventType: "orders.created", Payload: []byte(`not json`)}

	err = sink.Append(context.Background(), nil, event)
	require.ErrorIs(t, err, ErrPayloadNotJSON)
	assert.Empty(t, store.appended)
}

func TestSinkNoopOnEmptyBatch(t *testing.T) {
	store := &fakeStore{}

	sink, err := NewSink(store)
	require.NoError(t, err)

	require.NoError(t, sink.Append(context.Background(), nil))
	assert.Empty(t, store.appended)
}
