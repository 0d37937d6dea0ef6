package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/bus"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/runtime"
)

// Delivery is one inbound message as handed over by a transport consumer.
type Delivery struct {
	MessageID string
	EventType string
	Payload   []byte
}

// Disposition tells the transport consumer what to do with the delivery.
type Disposition uint8

const (
	// Ack acknowledges the delivery; the broker must not redeliver it.
	Ack Disposition = iota + 1

	// Requeue returns the delivery to the broker for a later attempt.
	Requeue
)

// String implements fmt.Stringer.
func (disposition Disposition) String() string {
	switch disposition {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// DiscardAlertFunc is invoked when a message parks as FAILED, either by
// exhausting its attempt budget or by being discarded as unprocessable. The
// hook runs synchronously inside Process; keep it fast.
type DiscardAlertFunc func(ctx context.Context, message *Message, cause string)

// Dispatcher routes a claimed message to its handler. *bus.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req bus.Request) (any, error)
}

// Processor turns at-least-once deliveries into effectively-once handler
// runs. Each delivery is claimed in the store before the handler executes;
// duplicates and messages owned by other consumers are resolved without
// running the handler. Safe for concurrent use.
type Processor struct {
	store      Store
	dispatcher Dispatcher
	logger     log.Logger
	tracer     trace.Tracer
	cfg        ProcessorConfig
	alert      DiscardAlertFunc

	metrics processorMetrics
}

// NewProcessor creates a processor over the given store and dispatcher.
func NewProcessor(store Store, dispatcher Dispatcher, opts ...ProcessorOption) (*Processor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(dispatcher) {
		return nil, ErrDispatcherRequired
	}

	processor := &Processor{
		store:      store,
		dispatcher: dispatcher,
		logger:     log.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("inbox.noop"),
		cfg:        DefaultProcessorConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Process claims the delivery and, when the claim is won, dispatches it as an
// event through the bus. The returned disposition is what the transport
// should do with the broker delivery; a non-nil error describes why, and is
// already reflected in the stored message state where possible.
func (processor *Processor) Process(ctx context.Context, delivery Delivery) (Disposition, error) {
	if processor == nil || processor.store == nil || processor.dispatcher == nil {
		return Requeue, ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, _ = dispatch.EnsureCorrelationID(ctx)

	ctx, span := processor.tracer.Start(ctx, "inbox.process")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.message_id", delivery.MessageID),
		attribute.String("inbox.event_type", delivery.EventType),
	)

	defer func() {
		processor.metrics.recordProcess(ctx, time.Since(start).Seconds())
	}()

	message, err := NewMessage(delivery.MessageID, delivery.EventType, delivery.Payload)
	if err != nil {
		// A malformed delivery cannot be recorded, and redelivering it cannot
		// fix it. Acknowledge it away with an error log.
		dispatch.HandleSpanError(span, err)
		processor.logger.Log(ctx, log.LevelError, "dropping malformed inbox delivery",
			log.String("message_id", delivery.MessageID),
			log.String("event_type", delivery.EventType),
			log.String("error", sanitize.Error(err)),
		)

		return Ack, err
	}

	outcome, err := processor.store.TryClaim(ctx, message, processor.cfg.ClaimLease)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		processor.logger.Log(ctx, log.LevelError, "failed to claim inbox message",
			log.String("message_id", message.MessageID),
			log.String("error", sanitize.Error(err)),
		)

		return Requeue, err
	}

	span.SetAttributes(attribute.String("inbox.claim_outcome", outcome.String()))

	switch outcome {
	case ClaimDuplicate:
		processor.metrics.addDuplicate(ctx)
		processor.logger.Log(ctx, log.LevelDebug, "duplicate delivery acknowledged",
			log.String("message_id", message.MessageID),
			log.String("event_type", message.EventType),
			log.Err(dispatch.ErrDuplicateDetected),
		)

		return Ack, nil
	case ClaimInFlight:
		processor.metrics.addInFlight(ctx)
		processor.logger.Log(ctx, log.LevelDebug, "inbox message claimed by another consumer, requeueing",
			log.String("message_id", message.MessageID),
		)

		return Requeue, nil
	case ClaimAccepted:
		return processor.handleClaimed(ctx, span, message)
	default:
		return Requeue, fmt.Errorf("unexpected claim outcome %q for message %s", outcome, message.MessageID)
	}
}

func (processor *Processor) handleClaimed(ctx context.Context, span trace.Span, message *Message) (Disposition, error) {
	_, dispatchErr := processor.dispatcher.Dispatch(ctx, bus.NewEvent(message.EventType, json.RawMessage(message.Payload)))
	if dispatchErr != nil {
		return processor.persistFailure(ctx, span, message, dispatchErr)
	}

	if err := processor.store.MarkProcessed(ctx, message.MessageID); err != nil {
		// The handler completed but the row is still PROCESSING. Requeue so a
		// later redelivery finalizes it; reclaiming after the lease reruns
		// the handler, which is the at-least-once contract.
		dispatch.HandleSpanError(span, err)
		processor.logger.Log(ctx, log.LevelError,
			"inbox message handled but failed to persist PROCESSED state; handler may run again",
			log.String("message_id", message.MessageID),
			log.String("error", sanitize.Error(err)),
		)

		return Requeue, err
	}

	processor.metrics.addProcessed(ctx)

	return Ack, nil
}

func (processor *Processor) persistFailure(ctx context.Context, span trace.Span, message *Message, dispatchErr error) (Disposition, error) {
	cause := sanitize.Error(dispatchErr)

	dispatch.HandleSpanError(span, dispatchErr)

	if isUnprocessable(dispatchErr) {
		if err := processor.store.Discard(ctx, message.MessageID, cause); err != nil {
			processor.logger.Log(ctx, log.LevelError, "failed to discard unprocessable inbox message",
				log.String("message_id", message.MessageID),
				log.String("error", sanitize.Error(err)),
			)

			return Requeue, dispatchErr
		}

		processor.metrics.addDiscarded(ctx)
		processor.logger.Log(ctx, log.LevelError, "inbox message discarded as unprocessable",
			log.String("message_id", message.MessageID),
			log.String("event_type", message.EventType),
			log.String("cause", cause),
		)
		processor.fireDiscardAlert(ctx, message, cause)

		return Ack, nil
	}

	status, err := processor.store.MarkFailed(ctx, message.MessageID, cause, processor.cfg.MaxAttempts)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to mark inbox message failed",
			log.String("message_id", message.MessageID),
			log.String("error", sanitize.Error(err)),
		)

		return Requeue, dispatchErr
	}

	if status == StatusFailed {
		processor.metrics.addDiscarded(ctx)
		processor.logger.Log(ctx, log.LevelError, "inbox message exhausted attempts",
			log.String("message_id", message.MessageID),
			log.String("event_type", message.EventType),
			log.String("cause", cause),
		)
		processor.fireDiscardAlert(ctx, message, cause)

		return Ack, nil
	}

	processor.metrics.addRetried(ctx)
	processor.logger.Log(ctx, log.LevelWarn, "inbox message processing failed, requeueing",
		log.String("message_id", message.MessageID),
		log.String("event_type", message.EventType),
		log.String("cause", cause),
	)

	return Requeue, dispatchErr
}

// isUnprocessable reports whether retrying the message could ever help.
// Unknown event types, payloads the handler cannot decode, validation
// rejections and errors explicitly marked permanent all fail the same way on
// every attempt, so their messages park immediately instead of burning the
// retry budget.
func isUnprocessable(err error) bool {
	return dispatch.IsPermanent(err) ||
		errors.Is(err, dispatch.ErrHandlerNotFound) ||
		errors.Is(err, dispatch.ErrValidationFailed) ||
		errors.Is(err, bus.ErrRequestBodyType)
}

func (processor *Processor) fireDiscardAlert(ctx context.Context, message *Message, cause string) {
	if processor.alert == nil {
		return
	}

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "inbox", "discard_alert")

	processor.alert(ctx, message, cause)
}
