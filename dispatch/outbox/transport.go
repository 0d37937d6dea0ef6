package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Envelope is the wire unit handed to a Transport. MessageID travels with the
// payload so consumers can deduplicate redeliveries.
type Envelope struct {
	MessageID uuid.UUID
	EventType string
	Payload   []byte
}

// Transport publishes envelopes to an external broker. Publish must not
// return nil before the broker has durably accepted the envelope; returning
// early turns at-least-once into at-most-once.
type Transport interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, envelope Envelope) error

// Publish calls fn.
func (fn TransportFunc) Publish(ctx context.Context, envelope Envelope) error {
	return fn(ctx, envelope)
}
