package dispatch

import (
	"context"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/LerianStudio/lib-dispatch"

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingValues.
var TrackingContextKey = trackingContextKey("dispatch_tracking")

// TrackingValues holds the request-scoped facilities attached to context.
type TrackingValues struct {
	CorrelationID string
	Logger        log.Logger
	Tracer        trace.Tracer
}

func trackingFromContext(ctx context.Context) TrackingValues {
	if values, ok := ctx.Value(TrackingContextKey).(TrackingValues); ok {
		return values
	}

	return TrackingValues{}
}

func contextWithTracking(ctx context.Context, values TrackingValues) context.Context {
	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithCorrelationID returns a context carrying the given correlation
// identifier. Requests dispatched from this context and the log entries they
// produce share the identifier.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	values := trackingFromContext(ctx)
	values.CorrelationID = correlationID

	return contextWithTracking(ctx, values)
}

// CorrelationIDFromContext extracts the correlation identifier, or "" when
// none is set.
func CorrelationIDFromContext(ctx context.Context) string {
	return trackingFromContext(ctx).CorrelationID
}

// EnsureCorrelationID returns a context that carries a correlation
// identifier, generating one when absent, along with the identifier itself.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}

	id := uuid.NewString()

	return ContextWithCorrelationID(ctx, id), id
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingFromContext(ctx)
	values.Logger = logger

	return contextWithTracking(ctx, values)
}

// LoggerFromContext extracts the logger from context, falling back to the
// no-op logger.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if logger := trackingFromContext(ctx).Logger; logger != nil {
		return logger
	}

	return log.NewNop()
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingFromContext(ctx)
	values.Tracer = tracer

	return contextWithTracking(ctx, values)
}

// TracerFromContext extracts the tracer from context, falling back to the
// global provider's tracer for this library.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if tracer := trackingFromContext(ctx).Tracer; tracer != nil {
		return tracer
	}

	return otel.Tracer(instrumentationName)
}
