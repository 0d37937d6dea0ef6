//go:build unit

package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

func TestNewStoreRequiresConnection(t *testing.T) {
	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	connection := &libPostgres.Connection{}

	_, err := NewStore(connection, WithTableName("outbox; DROP TABLE users"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewStore(connection, WithTableName(strings.Repeat("a", maxSQLIdentifierLength+1)))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestNewStoreEmptyTableNameFallsBack(t *testing.T) {
	connection := &libPostgres.Connection{}

	store, err := NewStore(connection, WithTableName("   "))
	require.NoError(t, err)
	assert.Equal(t, defaultTableName, store.tableName)
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, validateIdentifier("outbox_messages"))
	require.NoError(t, validateIdentifier("_private"))

	require.ErrorIs(t, validateIdentifier("1starts_with_digit"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("has-dash"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(`has"quote`), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(""), ErrInvalidIdentifier)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"outbox_messages"`, quoteIdentifier("outbox_messages"))
	assert.Equal(t, `"with""quote"`, quoteIdentifier(`with"quote`))
}

func TestBuildInsertPlaceholders(t *testing.T) {
	connection := &libPostgres.Connection{}

	store, err := NewStore(connection)
	require.NoError(t, err)

	first, err := outbox.NewMessage("orders.created", []byte(`{"n":1}`))
	require.NoError(t, err)

	second, err := outbox.NewMessage("orders.shipped", []byte(`{"n":2}`))
	require.NoError(t, err)

	query, args := store.buildInsert([]*outbox.Message{first, second})

	assert.Contains(t, query, `INSERT INTO "outbox_messages"`)
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)")
	assert.Contains(t, query, "($12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)")
	assert.Len(t, args, 22)
	assert.Equal(t, first.ID, args[0])
	assert.Equal(t, string(outbox.StatusPending), args[3])
	assert.Equal(t, second.ID, args[11])
}
