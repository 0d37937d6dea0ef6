//go:build unit

package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

func TestNewStoreRequiresConnection(t *testing.T) {
	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)
}

func TestNewStoreRejectsBadTableName(t *testing.T) {
	connection := &libPostgres.Connection{}

	_, err := NewStore(connection, WithTableName("inbox; DROP TABLE users"))
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
	require.NoError(t, validateIdentifier("inbox_messages"))
	require.NoError(t, validateIdentifier("_private"))

	require.ErrorIs(t, validateIdentifier("1starts_with_digit"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("has-dash"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(`has"quote`), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(""), ErrInvalidIdentifier)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"inbox_messages"`, quoteIdentifier("inbox_messages"))
	assert.Equal(t, `"with""quote"`, quoteIdentifier(`with"quote`))
}
