package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds the payload size a message may carry.
const MaxPayloadBytes = 1 << 20

// Message is a pending integration event persisted for reliable delivery.
// ClaimedBy and ClaimedUntil describe the lease a publisher holds while the
// message is PROCESSING; an expired lease makes the message claimable again.
type Message struct {
	ID           uuid.UUID
	EventType    string
	Payload      []byte
	Status       Status
	Attempts     int
	LastError    string
	ClaimedBy    string
	ClaimedUntil *time.Time
	PublishedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewMessage creates a valid message initialized as pending.
func NewMessage(eventType string, payload []byte) (*Message, error) {
	return NewMessageWithID(uuid.New(), eventType, payload)
}

// NewMessageWithID creates a valid pending message with a caller-provided id,
// for callers that mint the id upstream and need it stable across retries.
func NewMessageWithID(id uuid.UUID, eventType string, payload []byte) (*Message, error) {
	if id == uuid.Nil {
		return nil, ErrMessageIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Message{
		ID:        id,
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// LeaseExpired reports whether the message holds a lease that lapsed before
// now. Messages without a lease are not expired.
func (message *Message) LeaseExpired(now time.Time) bool {
	if message.ClaimedUntil == nil {
		return false
	}

	return message.ClaimedUntil.Before(now)
}
