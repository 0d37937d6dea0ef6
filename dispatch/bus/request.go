package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// RequestKind distinguishes how a request is expected to behave: commands
// mutate state, queries read it, events notify about something that already
// happened.
type RequestKind uint8

const (
	// KindCommand is a state-changing request with a single handler.
	KindCommand RequestKind = iota + 1
	// KindQuery is a read-only request with a single handler.
	KindQuery
	// KindEvent is a notification about a fact; its handler returns no result.
	KindEvent
)

// String returns the lowercase name of the kind.
func (kind RequestKind) String() string {
	switch kind {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Request is the envelope routed by the Dispatcher. Name selects the handler,
// Body carries the typed payload. For requests rebuilt from the wire, Body may
// be raw JSON; typed handlers decode it on demand.
type Request struct {
	Kind RequestKind
	Name string
	Body any
}

// NewCommand builds a command request.
func NewCommand(name string, body any) Request {
	return Request{Kind: KindCommand, Name: name, Body: body}
}

// NewQuery builds a query request.
func NewQuery(name string, body any) Request {
	return Request{Kind: KindQuery, Name: name, Body: body}
}

// NewEvent builds an event request.
func NewEvent(name string, body any) Request {
	return Request{Kind: KindEvent, Name: name, Body: body}
}

// Handler processes a request. Implementations must be safe for concurrent
// use; the same handler value serves every dispatch of its request name.
type Handler func(ctx context.Context, req Request) (any, error)

// bodyAs converts a request body to the concrete type a typed handler
// expects. Raw JSON bodies, as delivered by inbound message consumers, are
// decoded into the target type.
func bodyAs[T any](req Request) (T, error) {
	if body, ok := req.Body.(T); ok {
		return body, nil
	}

	var decoded T

	switch raw := req.Body.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return decoded, fmt.Errorf("%w: decoding %s: %w", ErrRequestBodyType, req.Name, err)
		}

		return decoded, nil
	case []byte:
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return decoded, fmt.Errorf("%w: decoding %s: %w", ErrRequestBodyType, req.Name, err)
		}

		return decoded, nil
	default:
		return decoded, fmt.Errorf("%w: %s expects %T, got %T", ErrRequestBodyType, req.Name, decoded, req.Body)
	}
}
