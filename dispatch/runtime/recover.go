// Package runtime provides panic recovery helpers for background goroutines.
//
// Long-lived loops (outbox publisher, transport consumers) must survive
// handler panics; SafeGo and the Recover* helpers log the panic with its
// stack trace, record it on the active span, and apply a PanicPolicy.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy controls what happens after a panic has been recovered and logged.
type PanicPolicy uint8

const (
	// KeepRunning swallows the panic after logging; the surrounding loop continues.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging so the process terminates.
	CrashProcess
)

// String returns the policy name.
func (policy PanicPolicy) String() string {
	switch policy {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return fmt.Sprintf("PanicPolicy(%d)", uint8(policy))
	}
}

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic must
// not crash the process.
//
//	defer runtime.RecoverAndLog(logger, "publisher_cycle")
func RecoverAndLog(logger log.Logger, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(context.Background(), logger, name, recovered, debug.Stack())
	}
}

// RecoverAndLogWithContext is like RecoverAndLog but also records the panic
// as an event on the active span.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, name, recovered, stack)
		recordPanicToSpan(ctx, recovered, component, name)
	}
}

// HandlePanicValue processes a panic value already recovered by an external
// mechanism. It logs and records span data without calling recover() itself.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	logPanic(ctx, logger, name, panicValue, debug.Stack())
	recordPanicToSpan(ctx, panicValue, component, name)
}

// SafeGo starts fn on a new goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer recoverWithPolicy(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContext starts fn on a new goroutine guarded by panic recovery,
// passing ctx through and recording panics on its active span.
func SafeGoWithContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy, fn func(ctx context.Context)) {
	go func() {
		defer recoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

func recoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	logPanic(ctx, logger, name, recovered, debug.Stack())

	if component != "" {
		recordPanicToSpan(ctx, recovered, component, name)
	}

	if policy == CrashProcess {
		panic(recovered)
	}
}

func logPanic(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic", fmt.Sprintf("%v", panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

func recordPanicToSpan(ctx context.Context, panicValue any, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic", trace.WithAttributes(
		attribute.String("panic.value", fmt.Sprintf("%v", panicValue)),
		attribute.String("panic.component", component),
		attribute.String("panic.source", name),
	))
	span.SetStatus(codes.Error, "panic recovered")
}
