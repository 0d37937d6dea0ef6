package postgres

import (
	"embed"
	"io/fs"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schemas for the outbox, inbox, and
// idempotency stores. Assign it to Connection.MigrationSource to create the
// tables on connect, or run the files through your own migration tooling.
func Migrations() fs.FS {
	return migrationFiles
}
