// Package postgres persists idempotency records in PostgreSQL. The begin
// gate rides on the primary key: the first insert wins, and expired records
// are taken over in place so a reused key executes afresh.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/idempotency"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

const (
	maxSQLIdentifierLength  = 63
	defaultStatementTimeout = 30 * time.Second
	defaultTableName        = "idempotency_records"

	// Bound for the begin loop: a vanished row means an owner aborted
	// between our statements, and one more round settles it. Three rounds
	// is plenty.
	beginRaceRounds = 3

	recordColumns = "key, status, result, created_at, expires_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrKeyRequired         = errors.New("idempotency key is required")
	ErrTTLMustBePositive   = errors.New("ttl must be greater than zero")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
	identifierPattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTracer sets the store tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(store *Store) {
		if tracer != nil {
			store.tracer = tracer
		}
	}
}

// WithTableName overrides the idempotency table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithStatementTimeout bounds statements issued by the store.
func WithStatementTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.statementTimeout = timeout
		}
	}
}

// Store implements idempotency.Store on PostgreSQL.
type Store struct {
	connection       *libPostgres.Connection
	logger           log.Logger
	tracer           trace.Tracer
	tableName        string
	statementTimeout time.Duration
}

var _ idempotency.Store = (*Store)(nil)

// NewStore creates a PostgreSQL idempotency store.
func NewStore(connection *libPostgres.Connection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:       connection,
		logger:           log.NewNop(),
		tracer:           otel.Tracer("idempotency.postgres"),
		tableName:        defaultTableName,
		statementTimeout: defaultStatementTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Begin claims the key. The first caller inserts the placeholder through
// ON CONFLICT DO NOTHING; on conflict an expired record is taken over in
// place, and a live one is classified from its status.
func (store *Store) Begin(ctx context.Context, key string, ttl time.Duration) (idempotency.BeginOutcome, *idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, nil, ErrStoreNotInitialized
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return 0, nil, ErrKeyRequired
	}

	if ttl <= 0 {
		return 0, nil, ErrTTLMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.begin_idempotency")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
	}

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	for round := 0; round < beginRaceRounds; round++ {
		outcome, record, err := store.beginOnce(execCtx, primary, key, ttl)
		if err != nil {
			dispatch.HandleSpanError(span, err)
			store.logError(ctx, "failed to begin idempotent record", err)

			return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
		}

		if outcome != 0 {
			return outcome, record, nil
		}
	}

	err = errors.New("row contention did not settle")
	dispatch.HandleSpanError(span, err)

	return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
}

// beginOnce runs one insert, takeover, classify round. A zero outcome with a
// nil error means the row vanished mid-round and the caller should contend
// again.
func (store *Store) beginOnce(ctx context.Context, primary *sql.DB, key string, ttl time.Duration) (idempotency.BeginOutcome, *idempotency.Record, error) {
	table := quoteIdentifier(store.tableName)
	now := time.Now().UTC()
	placeholder := idempotency.NewPlaceholder(key, now, ttl)

	insert := "INSERT INTO " + table + " (" + recordColumns + ") " +
		"VALUES ($1, $2, NULL, $3, $4) " +
		"ON CONFLICT (key) DO NOTHING"

	result, err := primary.ExecContext(ctx, insert,
		placeholder.Key,
		string(placeholder.Status),
		placeholder.CreatedAt,
		placeholder.ExpiresAt,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("inserting placeholder: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("rows affected: %w", err)
	}

	if inserted == 1 {
		return idempotency.BeginStarted, placeholder, nil
	}

	// A record exists. Expired ones, completed and abandoned alike, are
	// rewritten into a fresh placeholder; the expiry filter makes the
	// takeover race safe.
	takeover := "UPDATE " + table + " SET " +
		"status = $1, result = NULL, created_at = $2, expires_at = $3 " +
		"WHERE key = $4 AND expires_at <= $2"

	taken, err := primary.ExecContext(ctx, takeover,
		string(idempotency.StatusRunning),
		now,
		placeholder.ExpiresAt,
		key,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("taking over expired record: %w", err)
	}

	tookOver, err := taken.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("rows affected: %w", err)
	}

	if tookOver == 1 {
		return idempotency.BeginStarted, placeholder, nil
	}

	query := "SELECT " + recordColumns + " FROM " + table + " WHERE key = $1"

	record, err := scanRecord(primary.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, nil
		}

		return 0, nil, fmt.Errorf("inspecting existing record: %w", err)
	}

	if record.Status == idempotency.StatusCompleted {
		return idempotency.BeginReplayed, record, nil
	}

	if record.Expired(now) {
		return 0, nil, nil
	}

	return idempotency.BeginInFlight, record, nil
}

// Complete stores the result against the running placeholder. Completed
// records are immutable, so the update is guarded on status.
func (store *Store) Complete(ctx context.Context, key string, result []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.complete_idempotency")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return fmt.Errorf("completing idempotent record: %w", err)
	}

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = $1, result = $2 " +
		"WHERE key = $3 AND status = $4"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	updated, err := primary.ExecContext(execCtx, query,
		string(idempotency.StatusCompleted), result, key, string(idempotency.StatusRunning))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to complete idempotent record", err)

		return fmt.Errorf("completing idempotent record: %w", err)
	}

	rows, err := updated.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 1 {
		return nil
	}

	// The guarded update missed. Completed records are immutable; anything
	// else means our placeholder is gone.
	status, found, err := store.currentStatus(execCtx, primary, key)
	if err != nil {
		dispatch.HandleSpanError(span, err)

		return fmt.Errorf("completing idempotent record: %w", err)
	}

	if found && status == idempotency.StatusCompleted {
		return idempotency.ErrAlreadyCompleted
	}

	return idempotency.ErrRecordNotFound
}

// Abort deletes the running placeholder. A missing record is not an error;
// a completed one is ErrAlreadyCompleted since its result must survive.
func (store *Store) Abort(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.abort_idempotency")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	query := "DELETE FROM " + quoteIdentifier(store.tableName) +
		" WHERE key = $1 AND status = $2"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	deleted, err := primary.ExecContext(execCtx, query, key, string(idempotency.StatusRunning))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to abort idempotent record", err)

		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	rows, err := deleted.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 1 {
		return nil
	}

	status, found, err := store.currentStatus(execCtx, primary, key)
	if err != nil {
		dispatch.HandleSpanError(span, err)

		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	if found && status == idempotency.StatusCompleted {
		return idempotency.ErrAlreadyCompleted
	}

	return nil
}

// Get loads the record for a key. Reads go through the resolver, so replicas
// can serve them.
func (store *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_idempotency")
	defer span.End()

	resolver, err := store.connection.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting idempotent record: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM " + quoteIdentifier(store.tableName) +
		" WHERE key = $1"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	record, err := scanRecord(resolver.QueryRowContext(execCtx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to get idempotent record", err)

		return nil, fmt.Errorf("getting idempotent record: %w", err)
	}

	return record, nil
}

func (store *Store) currentStatus(ctx context.Context, primary *sql.DB, key string) (idempotency.Status, bool, error) {
	query := "SELECT status FROM " + quoteIdentifier(store.tableName) + " WHERE key = $1"

	var rawStatus string

	err := primary.QueryRowContext(ctx, query, key).Scan(&rawStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("inspecting existing record: %w", err)
	}

	status, err := idempotency.ParseStatus(rawStatus)
	if err != nil {
		return "", false, err
	}

	return status, true, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*idempotency.Record, error) {
	var (
		record    idempotency.Record
		rawStatus string
	)

	if err := scanner.Scan(
		&record.Key,
		&rawStatus,
		&record.Result,
		&record.CreatedAt,
		&record.ExpiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning idempotency record: %w", err)
	}

	status, err := idempotency.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	record.Status = status

	return &record, nil
}

func (store *Store) withStatementTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, store.statementTimeout)
}

func (store *Store) initialized() bool {
	return store != nil && store.connection != nil
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if store.logger == nil || err == nil {
		return
	}

	store.logger.Log(ctx, log.LevelError, message, log.String("error", sanitize.Error(err)))
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
