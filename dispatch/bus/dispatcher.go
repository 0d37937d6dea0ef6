package bus

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher routes requests to handlers through its behavior chain. It takes
// an immutable snapshot of the registry at construction and composes the
// chain once, so dispatching allocates nothing beyond what behaviors and
// handlers allocate themselves.
type Dispatcher struct {
	handlers map[string]registration
	chain    Handler
	logger   log.Logger
	tracer   trace.Tracer
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	behaviors []Behavior
	logger    log.Logger
	tracer    trace.Tracer
}

// WithBehaviors sets the behavior chain, outermost first.
func WithBehaviors(behaviors ...Behavior) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		cfg.behaviors = behaviors
	}
}

// WithLogger sets the logger used for dispatch-level failures.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTracer sets the tracer used to open a span per dispatch.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(cfg *dispatcherConfig) {
		if tracer != nil {
			cfg.tracer = tracer
		}
	}
}

// NewDispatcher builds a dispatcher over a snapshot of the given registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	cfg := dispatcherConfig{
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("bus"),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	dispatcher := &Dispatcher{
		handlers: registry.snapshot(),
		logger:   cfg.logger,
		tracer:   cfg.tracer,
	}

	dispatcher.chain = Chain(cfg.behaviors...)(dispatcher.invoke)

	return dispatcher, nil
}

// Dispatch routes a request through the behavior chain to its handler. The
// context gains a correlation id when it does not already carry one.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	if req.Name == "" {
		return nil, ErrRequestNameRequired
	}

	ctx, correlationID := dispatch.EnsureCorrelationID(ctx)

	ctx, span := dispatcher.tracer.Start(ctx, "bus.dispatch",
		trace.WithAttributes(
			attribute.String("bus.request.name", req.Name),
			attribute.String("bus.request.kind", req.Kind.String()),
			attribute.String("bus.correlation_id", correlationID),
		))
	defer span.End()

	result, err := dispatcher.chain(ctx, req)
	if err != nil {
		dispatch.HandleSpanError(span, err)

		return nil, err
	}

	return result, nil
}

// invoke is the terminal handler at the end of the chain.
func (dispatcher *Dispatcher) invoke(ctx context.Context, req Request) (any, error) {
	reg, ok := dispatcher.handlers[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrHandlerNotFound, req.Name)
	}

	if reg.kind != req.Kind {
		return nil, fmt.Errorf("%w: %s is registered as %s, dispatched as %s",
			ErrRequestKindMismatch, req.Name, reg.kind, req.Kind)
	}

	return reg.handler(ctx, req)
}

// DispatchTyped dispatches a request and asserts the result type. Use it for
// queries and commands whose handlers return a value.
func DispatchTyped[T any](ctx context.Context, dispatcher *Dispatcher, req Request) (T, error) {
	var zero T

	result, err := dispatcher.Dispatch(ctx, req)
	if err != nil {
		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrResultType, req.Name, result)
	}

	return typed, nil
}
