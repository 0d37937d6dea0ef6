//go:build unit

package dispatch

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-123")

	assert.Equal(t, "corr-123", CorrelationIDFromContext(ctx))
}

func TestCorrelationIDAbsent(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())

	require.NotEmpty(t, id)
	assert.Equal(t, id, CorrelationIDFromContext(ctx))
}

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-123")

	ctx2, id := EnsureCorrelationID(ctx)

	assert.Equal(t, "corr-123", id)
	assert.Equal(t, ctx, ctx2)
}

func TestLoggerFromContextFallsBackToNop(t *testing.T) {
	logger := LoggerFromContext(context.Background())

	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(log.LevelError))
}

func TestContextValuesAreIndependent(t *testing.T) {
	base := ContextWithCorrelationID(context.Background(), "corr-123")
	withLogger := ContextWithLogger(base, log.NewGoLogger(log.LevelDebug))

	// Adding a logger must not drop the correlation id, and must not leak
	// the logger into the parent context.
	assert.Equal(t, "corr-123", CorrelationIDFromContext(withLogger))
	assert.False(t, LoggerFromContext(base).Enabled(log.LevelDebug))
	assert.True(t, LoggerFromContext(withLogger).Enabled(log.LevelDebug))
}

func TestTracerFromContextFallsBack(t *testing.T) {
	assert.NotNil(t, TracerFromContext(context.Background()))
}
