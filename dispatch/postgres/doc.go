// Package postgres manages PostgreSQL connectivity for the dispatch stores.
//
// Connection resolves primary and replica databases through dbresolver,
// opens them with the pgx stdlib driver, and applies schema migrations via
// golang-migrate. The message-store schemas ship embedded; see Migrations.
package postgres
