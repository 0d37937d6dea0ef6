//go:build unit

package zap

import (
	"context"
	"testing"

	logpkg "github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(t *testing.T) (*Logger, *observer.ObservedLogs) {
	t.Helper()

	core, observed := observer.New(zap.DebugLevel)

	return Wrap(zap.New(core)), observed
}

func TestLoggerLogLevels(t *testing.T) {
	logger, observed := newObservedLogger(t)

	logger.Log(context.Background(), logpkg.LevelInfo, "hello", logpkg.String("k", "v"))
	logger.Log(context.Background(), logpkg.LevelError, "boom")

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestLoggerWithFields(t *testing.T) {
	logger, observed := newObservedLogger(t)

	child := logger.With(logpkg.String("component", "publisher"))
	child.Log(context.Background(), logpkg.LevelWarn, "slow cycle")

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "publisher", fields["component"])
}

func TestLoggerNilReceiverIsSafe(t *testing.T) {
	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
	})
	assert.False(t, logger.Enabled(logpkg.LevelError))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Environment: EnvironmentProduction})
	require.Error(t, err)

	_, err = New(Config{Environment: "qa", OTelLibraryName: "lib-dispatch"})
	require.Error(t, err)

	_, err = New(Config{Environment: EnvironmentProduction, Level: "loud", OTelLibraryName: "lib-dispatch"})
	require.Error(t, err)

	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "lib-dispatch"})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(logpkg.LevelDebug))
}

func TestSyncRespectsContext(t *testing.T) {
	logger, _ := newObservedLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, logger.Sync(ctx))
}
