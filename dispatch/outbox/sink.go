package outbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-dispatch/dispatch/bus"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
)

// Sink adapts a Store to the bus event sink, so events raised during a
// transactional dispatch land in the outbox within the same transaction.
type Sink struct {
	store Store
}

var _ bus.EventSink = (*Sink)(nil)

// NewSink creates a sink over the given store.
func NewSink(store Store) (*Sink, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	return &Sink{store: store}, nil
}

// Append converts raised events into pending messages and inserts them in tx.
func (sink *Sink) Append(ctx context.Context, tx bus.Tx, events ...bus.Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]*Message, 0, len(events))

	for _, event := range events {
		message, err := NewMessageWithID(event.ID, event.EventType, event.Payload)
		if err != nil {
			return fmt.Errorf("event %s: %w", event.EventType, err)
		}

		if !event.OccurredAt.IsZero() {
			message.CreatedAt = event.OccurredAt
			message.UpdatedAt = event.OccurredAt
		}

		messages = append(messages, message)
	}

	return sink.store.Append(ctx, tx, messages...)
}
