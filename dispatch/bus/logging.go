package bus

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

// Logging logs the start and outcome of every dispatch. It never suppresses
// an error; failures pass through annotated only in the log stream.
func Logging(logger log.Logger) Behavior {
	if logger == nil {
		logger = log.NewNop()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (any, error) {
			requestLogger := logger.With(
				log.String("request", req.Name),
				log.String("kind", req.Kind.String()),
				log.String("correlation_id", dispatch.CorrelationIDFromContext(ctx)),
			)

			requestLogger.Log(ctx, log.LevelDebug, "dispatching request")

			start := time.Now()

			result, err := next(ctx, req)
			if err != nil {
				requestLogger.Log(ctx, log.LevelError, "request failed",
					log.Duration("duration", time.Since(start)),
					log.Err(err),
				)

				return nil, err
			}

			requestLogger.Log(ctx, log.LevelDebug, "request completed",
				log.Duration("duration", time.Since(start)),
			)

			return result, nil
		}
	}
}
