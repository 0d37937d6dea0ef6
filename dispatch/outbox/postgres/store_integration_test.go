//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

// setupPostgresContainer starts a disposable PostgreSQL container and returns
// the connection string plus a teardown function.
func setupPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connStr, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func newTestStore(t *testing.T) (*Store, *libPostgres.Connection) {
	t.Helper()

	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	connection := &libPostgres.Connection{
		ConnectionStringPrimary: dsn,
		ConnectionStringReplica: dsn,
		DatabaseName:            "testdb",
		Logger:                  log.NewNop(),
		MigrationSource:         libPostgres.Migrations(),
	}

	require.NoError(t, connection.Connect(context.Background()))
	t.Cleanup(func() {
		if err := connection.Close(); err != nil {
			t.Errorf("cleanup: connection close: %v", err)
		}
	})

	store, err := NewStore(connection)
	require.NoError(t, err)

	return store, connection
}

func appendTestMessage(t *testing.T, store *Store, connection *libPostgres.Connection, eventType string) *outbox.Message {
	t.Helper()

	ctx := context.Background()

	primary, err := connection.PrimaryDB(ctx)
	require.NoError(t, err)

	message, err := outbox.NewMessage(eventType, []byte(`{"ok":true}`))
	require.NoError(t, err)

	tx, err := primary.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, tx, message))
	require.NoError(t, tx.Commit())

	return message
}

func TestIntegration_AppendClaimPublish(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	message := appendTestMessage(t, store, connection, "orders.created")

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.Equal(t, message.ID, claimed[0].ID)
	assert.Equal(t, outbox.StatusProcessing, claimed[0].Status)
	assert.Equal(t, "worker-1", claimed[0].ClaimedBy)
	require.NotNil(t, claimed[0].ClaimedUntil)
	assert.True(t, claimed[0].ClaimedUntil.After(time.Now().UTC()))

	// A live lease shields the row from other workers.
	stolen, err := store.ClaimBatch(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stolen)

	require.NoError(t, store.MarkPublished(ctx, message.ID, time.Now().UTC()))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[outbox.StatusPublished])

	again, err := store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_ExpiredLeaseIsReclaimed(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	message := appendTestMessage(t, store, connection, "orders.created")

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(50 * time.Millisecond)

	reclaimed, err := store.ClaimBatch(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	assert.Equal(t, message.ID, reclaimed[0].ID)
	assert.Equal(t, "worker-2", reclaimed[0].ClaimedBy)
	assert.Zero(t, reclaimed[0].Attempts, "reclaiming an expired lease must not consume an attempt")
}

func TestIntegration_MarkFailedExhaustsBudget(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	message := appendTestMessage(t, store, connection, "orders.created")

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	status, err := store.MarkFailed(ctx, message.ID, "connection reset by broker", 2)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, status)

	claimed, err = store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	status, err = store.MarkFailed(ctx, message.ID, "password=abc123 rejected", 2)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, status)

	// FAILED is terminal: the message is no longer claimable.
	claimed, err = store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	primary, err := connection.PrimaryDB(ctx)
	require.NoError(t, err)

	var lastError string
	err = primary.QueryRowContext(ctx,
		`SELECT last_error FROM "outbox_messages" WHERE id = $1`, message.ID).Scan(&lastError)
	require.NoError(t, err)
	assert.NotContains(t, lastError, "abc123")
}

func TestIntegration_MarkDiscardedParksPoison(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	message := appendTestMessage(t, store, connection, "orders.created")

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.MarkDiscarded(ctx, message.ID, "payload rejected by schema"))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[outbox.StatusFailed])

	claimed, err = store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestIntegration_MarkPublishedConflictOnFinalizedRow(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	message := appendTestMessage(t, store, connection, "orders.created")

	_, err := store.ClaimBatch(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.MarkPublished(ctx, message.ID, time.Now().UTC()))

	err = store.MarkPublished(ctx, message.ID, time.Now().UTC())
	require.ErrorIs(t, err, outbox.ErrStateConflict)

	_, err = store.MarkFailed(ctx, message.ID, "late failure", 5)
	require.ErrorIs(t, err, outbox.ErrStateConflict)
}

func TestIntegration_ClaimBatchesAreDisjoint(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendTestMessage(t, store, connection, "orders.created")
	}

	first, err := store.ClaimBatch(ctx, "worker-1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 5)

	second, err := store.ClaimBatch(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 5)

	seen := make(map[uuid.UUID]bool)
	for _, message := range append(first, second...) {
		assert.False(t, seen[message.ID], "message %s claimed twice", message.ID)
		seen[message.ID] = true
	}

	assert.Len(t, seen, 10)
}

func TestIntegration_ConcurrentClaimsNeverOverlap(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	const pending = 20

	for i := 0; i < pending; i++ {
		appendTestMessage(t, store, connection, "orders.created")
	}

	// Two publishers racing for the same backlog; FOR UPDATE SKIP LOCKED
	// must hand each row to exactly one of them.
	const workers = 2

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches [][]*outbox.Message
		errs    []error
	)

	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)

		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := store.ClaimBatch(ctx, workerID, pending, time.Minute)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			batches = append(batches, claimed)
		}()
	}

	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, batches, workers)

	seen := make(map[uuid.UUID]bool)

	total := 0
	for _, batch := range batches {
		total += len(batch)

		for _, message := range batch {
			assert.False(t, seen[message.ID], "message %s claimed by both workers", message.ID)
			seen[message.ID] = true
		}
	}

	assert.Equal(t, pending, total)
	assert.Len(t, seen, pending)
}

func TestIntegration_ClaimOrdersOldestFirst(t *testing.T) {
	store, connection := newTestStore(t)
	ctx := context.Background()

	oldest := appendTestMessage(t, store, connection, "orders.first")
	time.Sleep(5 * time.Millisecond)
	appendTestMessage(t, store, connection, "orders.second")

	claimed, err := store.ClaimBatch(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, oldest.ID, claimed[0].ID)
}
