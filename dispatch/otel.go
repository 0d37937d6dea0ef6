package dispatch

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks a span as failed and records the error on it. Nil
// spans and nil errors are ignored.
func HandleSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
