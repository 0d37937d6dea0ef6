package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type registration struct {
	kind    RequestKind
	handler Handler
}

// Registry maps request names to handlers. Registration happens during
// startup; the Dispatcher takes an immutable snapshot at construction, so
// handlers added afterwards are not visible to it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]registration),
	}
}

// Register binds a handler to a request name under the given kind. Each name
// can be registered exactly once.
func (registry *Registry) Register(kind RequestKind, name string, handler Handler) error {
	if name == "" {
		return ErrRequestNameRequired
	}

	if handler == nil {
		return fmt.Errorf("%w: %s", ErrHandlerRequired, name)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
	}

	registry.handlers[name] = registration{kind: kind, handler: handler}

	return nil
}

// Names returns the registered request names in sorted order.
func (registry *Registry) Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.handlers))
	for name := range registry.handlers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// snapshot copies the handler table for a dispatcher to own.
func (registry *Registry) snapshot() map[string]registration {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	handlers := make(map[string]registration, len(registry.handlers))
	for name, reg := range registry.handlers {
		handlers[name] = reg
	}

	return handlers
}

// RegisterCommand binds a typed command handler. Bodies arriving as raw JSON
// are decoded into C before the handler runs.
func RegisterCommand[C any, R any](registry *Registry, name string, handler func(ctx context.Context, cmd C) (R, error)) error {
	return registry.Register(KindCommand, name, func(ctx context.Context, req Request) (any, error) {
		cmd, err := bodyAs[C](req)
		if err != nil {
			return nil, err
		}

		return handler(ctx, cmd)
	})
}

// RegisterQuery binds a typed query handler.
func RegisterQuery[Q any, R any](registry *Registry, name string, handler func(ctx context.Context, query Q) (R, error)) error {
	return registry.Register(KindQuery, name, func(ctx context.Context, req Request) (any, error) {
		query, err := bodyAs[Q](req)
		if err != nil {
			return nil, err
		}

		return handler(ctx, query)
	})
}

// RegisterEvent binds a typed event handler. Event handlers return no result.
func RegisterEvent[E any](registry *Registry, name string, handler func(ctx context.Context, event E) error) error {
	return registry.Register(KindEvent, name, func(ctx context.Context, req Request) (any, error) {
		event, err := bodyAs[E](req)
		if err != nil {
			return nil, err
		}

		return nil, handler(ctx, event)
	})
}
