package inbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxPayloadBytes caps the size of a single inbox payload.
const MaxPayloadBytes = 1 << 20

// Message is a recorded inbound delivery keyed by the producer-assigned
// message id. The id is the deduplication key: two deliveries carrying the
// same id are the same message.
type Message struct {
	MessageID    string
	EventType    string
	Payload      []byte
	Status       Status
	Attempts     int
	LastError    string
	ClaimedUntil *time.Time
	ReceivedAt   time.Time
	UpdatedAt    time.Time
}

// NewMessage builds a message in StatusReceived and validates its fields.
func NewMessage(messageID, eventType string, payload []byte) (*Message, error) {
	now := time.Now().UTC()

	message := &Message{
		MessageID:  strings.TrimSpace(messageID),
		EventType:  strings.TrimSpace(eventType),
		Payload:    payload,
		Status:     StatusReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}

	if err := message.Validate(); err != nil {
		return nil, err
	}

	return message, nil
}

// Validate checks the message against the inbox invariants.
func (message *Message) Validate() error {
	if message.MessageID == "" {
		return ErrMessageIDRequired
	}

	if message.EventType == "" {
		return ErrEventTypeRequired
	}

	if len(message.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(message.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(message.Payload))
	}

	if !json.Valid(message.Payload) {
		return ErrPayloadNotJSON
	}

	return nil
}

// LeaseExpired reports whether the message holds a claim whose lease has
// already lapsed at the given instant.
func (message *Message) LeaseExpired(now time.Time) bool {
	return message.ClaimedUntil != nil && !message.ClaimedUntil.After(now)
}
