package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sync"
	"time"

	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// pgx stdlib driver registration.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNoPrimaryDB is returned when the resolver holds no usable primary.
	ErrNoPrimaryDB = errors.New("no primary database available")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection is a hub that manages primary/replica postgres connections.
//
// The zero value plus connection strings is usable; Resolver connects
// lazily on first use.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	// Migrations is the migration source applied to the primary on connect.
	// Leave nil to skip migrations; use Migrations() for the schemas shipped
	// with this library.
	MigrationSource fs.FS

	resolver  dbresolver.DB
	connected bool
	mu        sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect establishes the primary and replica connections, applies
// migrations, and verifies connectivity with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold the write lock.
func (conn *Connection) connectLocked(ctx context.Context) error {
	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.resolver != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	// Clean up the primary if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	conn.tunePool(primary)

	replica, err := sql.Open("pgx", conn.replicaConnectionString())
	if err != nil {
		return fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	conn.tunePool(replica)

	resolver, err := newResolver(primary, replica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if conn.MigrationSource != nil {
		if err := runMigrations(ctx, primary, conn.MigrationSource, conn.DatabaseName, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.resolver = resolver
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres", log.String("database", conn.DatabaseName))

	success = true

	return nil
}

// replicaConnectionString falls back to the primary when no replica is
// configured, which keeps single-node deployments to one connection string.
func (conn *Connection) replicaConnectionString() string {
	if conn.ConnectionStringReplica != "" {
		return conn.ConnectionStringReplica
	}

	return conn.ConnectionStringPrimary
}

func (conn *Connection) tunePool(db *sql.DB) {
	db.SetMaxOpenConns(conn.MaxOpenConnections)
	db.SetMaxIdleConns(conn.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// Resolver returns the load-balanced connection, initializing it if necessary.
func (conn *Connection) Resolver(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.resolver != nil {
		resolver := conn.resolver
		conn.mu.RUnlock()

		return resolver, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	// Double-check after acquiring the write lock.
	if conn.resolver != nil {
		return conn.resolver, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.resolver, nil
}

// PrimaryDB returns the primary database handle. Writes and transactional
// reads must go through the primary; replicas may lag.
func (conn *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	resolver, err := conn.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.resolver == nil {
		return nil
	}

	err := conn.resolver.Close()
	conn.resolver = nil
	conn.connected = false

	return err
}

// IsConnected reports whether the database resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func newResolver(primary, replica *sql.DB) (resolver dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("resolver construction panicked: %v", recovered)
		}
	}()

	resolver = dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if resolver == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return resolver, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func runMigrations(ctx context.Context, primary *sql.DB, source fs.FS, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		return err
	}

	sourceDriver, err := iofs.New(source, migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	databaseDriver, err := postgres.WithInstance(primary, &postgres.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, databaseDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}
