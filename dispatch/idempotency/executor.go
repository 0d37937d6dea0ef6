package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/backoff"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

// Operation produces the result bytes to store against the key. It runs at
// most once per live key; side effects belong inside it.
type Operation func(ctx context.Context) ([]byte, error)

// Executor guarantees an operation runs at most once per key while its
// record lives. The first caller inserts a placeholder and executes; callers
// arriving after completion get the stored result back; callers racing the
// winner either wait for its result or are rejected as in flight.
type Executor struct {
	store   Store
	logger  log.Logger
	tracer  trace.Tracer
	cfg     ExecutorConfig
	metrics executorMetrics
}

// NewExecutor creates an executor over the given store.
func NewExecutor(store Store, opts ...ExecutorOption) (*Executor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	executor := &Executor{
		store:  store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("idempotency.noop"),
		cfg:    DefaultExecutorConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(executor)
		}
	}

	executor.cfg.normalize()

	metrics, err := newExecutorMetrics(executor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init idempotency metrics: %w", err)
	}

	executor.metrics = metrics

	return executor, nil
}

// Do runs op exactly once per key within the record TTL. A repeat of a
// completed key returns the stored result without executing. A repeat racing
// a live execution waits for the winner's result when WaitForResult is set,
// otherwise it fails with ErrInFlight. Operation errors release the key so
// the next identical request may execute.
func (executor *Executor) Do(ctx context.Context, key string, op Operation) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyRequired
	}

	if op == nil {
		return nil, ErrOperationRequired
	}

	ctx, correlationID := dispatch.EnsureCorrelationID(ctx)
	safeKey := safeKeyForLogs(key)

	ctx, span := executor.tracer.Start(ctx, "idempotency.do",
		trace.WithAttributes(
			attribute.String("idempotency.key", safeKey),
			attribute.String("correlation_id", correlationID),
		),
	)
	defer span.End()

	started := time.Now()
	defer func() {
		executor.metrics.recordDo(ctx, time.Since(started).Seconds())
	}()

	var waitCtx context.Context

	for {
		outcome, record, err := executor.store.Begin(ctx, key, executor.cfg.TTL)
		if err != nil {
			dispatch.HandleSpanError(span, err)

			return nil, fmt.Errorf("begin idempotent operation: %w", err)
		}

		span.SetAttributes(attribute.String("idempotency.outcome", outcome.String()))

		switch outcome {
		case BeginStarted:
			return executor.execute(ctx, span, key, safeKey, op)

		case BeginReplayed:
			executor.metrics.addReplayed(ctx)
			executor.logger.Log(ctx, log.LevelDebug, "idempotent replay served from stored result",
				log.String("key", safeKey),
				log.Err(dispatch.ErrDuplicateDetected),
			)

			return record.Result, nil

		case BeginInFlight:
			executor.metrics.addInFlight(ctx)

			if !executor.cfg.WaitForResult {
				return nil, fmt.Errorf("%w: key %s is being processed", dispatch.ErrInFlight, safeKey)
			}

			// The timeout covers the whole wait including re-begins after
			// a takeover race, so it is armed once.
			if waitCtx == nil {
				var cancel context.CancelFunc

				waitCtx, cancel = context.WithTimeout(ctx, executor.cfg.WaitTimeout)
				defer cancel()
			}

			result, done, err := executor.waitForCompletion(waitCtx, key)
			if err != nil {
				if waitCtx.Err() != nil && ctx.Err() == nil {
					return nil, fmt.Errorf("%w: timed out waiting for result of key %s", dispatch.ErrInFlight, safeKey)
				}

				dispatch.HandleSpanError(span, err)

				return nil, err
			}

			if done {
				executor.metrics.addReplayed(ctx)

				return result, nil
			}

			// The winner aborted or its placeholder expired. Race for the
			// key again.

		default:
			return nil, fmt.Errorf("unexpected begin outcome %d for key %s", outcome, safeKey)
		}
	}
}

func (executor *Executor) execute(ctx context.Context, span trace.Span, key, safeKey string, op Operation) ([]byte, error) {
	finalized := false

	defer func() {
		// Reached only when op panicked: release the placeholder so the
		// key is not stuck running until the TTL lapses.
		if !finalized {
			executor.abortPlaceholder(ctx, key, safeKey)
		}
	}()

	result, opErr := op(ctx)
	if opErr != nil {
		finalized = true

		executor.abortPlaceholder(ctx, key, safeKey)
		executor.metrics.addAborted(ctx)
		dispatch.HandleSpanError(span, opErr)

		return nil, opErr
	}

	if err := executor.store.Complete(ctx, key, result); err != nil {
		finalized = true

		executor.metrics.addRecordFailure(ctx)
		dispatch.HandleSpanError(span, err)
		executor.logger.Log(ctx, log.LevelError, "operation succeeded but result could not be recorded; duplicates may re-execute after the ttl",
			log.String("key", safeKey),
			log.String("error", sanitize.Error(err)),
		)

		return result, nil
	}

	finalized = true

	executor.metrics.addExecuted(ctx)

	return result, nil
}

// waitForCompletion polls until the record completes. It reports done=false
// without error when the record vanished or expired, meaning the caller
// should contend for the key again.
func (executor *Executor) waitForCompletion(ctx context.Context, key string) ([]byte, bool, error) {
	for attempt := 0; ; attempt++ {
		delay := backoff.ExponentialWithJitter(executor.cfg.WaitInterval, executor.cfg.WaitTimeout, attempt)
		if err := backoff.WaitContext(ctx, delay); err != nil {
			return nil, false, err
		}

		record, err := executor.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil, false, nil
			}

			return nil, false, fmt.Errorf("poll idempotency record: %w", err)
		}

		if record.Status == StatusCompleted {
			return record.Result, true, nil
		}

		if record.Expired(time.Now()) {
			return nil, false, nil
		}
	}
}

func (executor *Executor) abortPlaceholder(ctx context.Context, key, safeKey string) {
	if err := executor.store.Abort(ctx, key); err != nil {
		executor.logger.Log(ctx, log.LevelWarn, "failed to release idempotency placeholder",
			log.String("key", safeKey),
			log.String("error", sanitize.Error(err)),
		)
	}
}

// Do runs op at most once per key and round-trips its typed result through
// the executor's store as JSON.
func Do[T any](ctx context.Context, executor *Executor, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if executor == nil {
		return zero, ErrExecutorRequired
	}

	if op == nil {
		return zero, ErrOperationRequired
	}

	raw, err := executor.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		value, opErr := op(ctx)
		if opErr != nil {
			return nil, opErr
		}

		encoded, encodeErr := json.Marshal(value)
		if encodeErr != nil {
			return nil, fmt.Errorf("encode idempotent result: %w", encodeErr)
		}

		return encoded, nil
	})
	if err != nil {
		return zero, err
	}

	if len(raw) == 0 {
		return zero, nil
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("decode idempotent result: %w", err)
	}

	return value, nil
}

func safeKeyForLogs(key string) string {
	const maxKeyLogLength = 128

	safeKey := strconv.QuoteToASCII(key)
	if len(safeKey) <= maxKeyLogLength {
		return safeKey
	}

	return safeKey[:maxKeyLogLength] + "...(truncated)"
}
