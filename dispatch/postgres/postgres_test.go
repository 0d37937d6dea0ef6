//go:build unit

package postgres

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDBName(t *testing.T) {
	tests := []struct {
		name    string
		dbName  string
		wantErr bool
	}{
		{name: "simple", dbName: "dispatch"},
		{name: "underscore prefix", dbName: "_dispatch"},
		{name: "with digits", dbName: "dispatch_01"},
		{name: "empty", dbName: "", wantErr: true},
		{name: "leading digit", dbName: "1dispatch", wantErr: true},
		{name: "injection attempt", dbName: "db; DROP TABLE outbox_messages", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDBName(tt.dbName)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestSanitizeSensitiveError(t *testing.T) {
	err := assertableError("connect postgres://app:hunter2@db:5432/dispatch: password=hunter2 refused")

	sanitized := sanitizeSensitiveError(err)

	assert.NotContains(t, sanitized, "hunter2")
	assert.Contains(t, sanitized, "://***@")
	assert.Contains(t, sanitized, "password=***")
}

type assertableError string

func (e assertableError) Error() string { return string(e) }

func TestReplicaFallsBackToPrimary(t *testing.T) {
	conn := &Connection{ConnectionStringPrimary: "postgres://localhost/dispatch"}

	assert.Equal(t, conn.ConnectionStringPrimary, conn.replicaConnectionString())

	conn.ConnectionStringReplica = "postgres://replica/dispatch"
	assert.Equal(t, "postgres://replica/dispatch", conn.replicaConnectionString())
}

func TestConnectRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &Connection{ConnectionStringPrimary: "postgres://localhost/dispatch"}

	require.Error(t, conn.Connect(ctx))
	assert.False(t, conn.IsConnected())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), "migrations")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	assert.Contains(t, names, "000001_create_outbox_messages.up.sql")
	assert.Contains(t, names, "000002_create_inbox_messages.up.sql")
	assert.Contains(t, names, "000003_create_idempotency_records.up.sql")
}
