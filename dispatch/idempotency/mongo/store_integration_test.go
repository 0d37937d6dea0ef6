//go:build integration

package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/LerianStudio/lib-dispatch/dispatch/idempotency"
)

// setupMongoContainer starts a disposable MongoDB 7 container and returns
// the connection string plus a cleanup function.
func setupMongoContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx,
		"mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	return endpoint, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	uri, cleanup := setupMongoContainer(t)
	t.Cleanup(cleanup)

	ctx := context.Background()

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := client.Disconnect(context.Background()); err != nil {
			t.Errorf("cleanup: client disconnect: %v", err)
		}
	})

	collection := client.Database("testdb").Collection("idempotency_records")

	store, err := NewStore(collection)
	require.NoError(t, err)
	require.NoError(t, store.EnsureIndexes(ctx))

	return store
}

func TestIntegration_FirstBeginWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, record, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginStarted, outcome)

	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusRunning, record.Status)

	stored, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusRunning, stored.Status)
	assert.Empty(t, stored.Result)
	assert.WithinDuration(t, record.ExpiresAt, stored.ExpiresAt, time.Second)
}

func TestIntegration_SecondBeginIsInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)

	outcome, record, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginInFlight, outcome)

	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusRunning, record.Status)
}

func TestIntegration_CompletedKeyReplays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)

	result := []byte(`{"receipt":"r-1"}`)
	require.NoError(t, store.Complete(ctx, "order-1", result))

	outcome, record, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginReplayed, outcome)

	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusCompleted, record.Status)
	assert.Equal(t, result, record.Result)
}

func TestIntegration_AbortReleasesKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Abort(ctx, "order-1"))

	_, err = store.Get(ctx, "order-1")
	require.ErrorIs(t, err, idempotency.ErrRecordNotFound)

	outcome, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginStarted, outcome)
}

func TestIntegration_CompletedRecordIsImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)

	result := []byte(`{"receipt":"r-1"}`)
	require.NoError(t, store.Complete(ctx, "order-1", result))

	require.ErrorIs(t, store.Complete(ctx, "order-1", []byte("other")), idempotency.ErrAlreadyCompleted)
	require.ErrorIs(t, store.Abort(ctx, "order-1"), idempotency.ErrAlreadyCompleted)

	stored, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, result, stored.Result)
}

func TestIntegration_CompleteMissingKey(t *testing.T) {
	store := newTestStore(t)

	err := store.Complete(context.Background(), "never-begun", []byte("r"))
	require.ErrorIs(t, err, idempotency.ErrRecordNotFound)
}

func TestIntegration_AbortMissingKeyIsNoop(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Abort(context.Background(), "never-begun"))
}

func TestIntegration_ExpiredPlaceholderIsTakenOver(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	outcome, record, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginStarted, outcome)

	require.NotNil(t, record)
	assert.True(t, record.ExpiresAt.After(time.Now().UTC().Add(30*time.Minute)))
}

func TestIntegration_ExpiredResultExecutesAfresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "order-1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "order-1", []byte(`{"receipt":"r-1"}`)))

	time.Sleep(300 * time.Millisecond)

	outcome, _, err := store.Begin(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.BeginStarted, outcome)

	stored, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusRunning, stored.Status)
	assert.Empty(t, stored.Result)
}

func TestIntegration_ConcurrentBeginSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const contenders = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []idempotency.BeginOutcome
		errs     []error
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, _, err := store.Begin(ctx, "order-1", time.Hour)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			outcomes = append(outcomes, outcome)
		}()
	}

	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, outcomes, contenders)

	started := 0

	for _, outcome := range outcomes {
		if outcome == idempotency.BeginStarted {
			started++
		} else {
			assert.Equal(t, idempotency.BeginInFlight, outcome)
		}
	}

	assert.Equal(t, 1, started)
}
