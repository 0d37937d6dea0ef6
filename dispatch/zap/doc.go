// Package zap adapts go.uber.org/zap to the log.Logger interface.
//
// Log entries automatically carry trace_id and span_id when the context holds
// an active OpenTelemetry span, and are mirrored to the OTel log bridge.
package zap
