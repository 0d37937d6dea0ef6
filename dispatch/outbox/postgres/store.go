// Package postgres persists outbox messages in PostgreSQL with lease-based
// claiming, so multiple publisher instances can drain one table safely.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	"github.com/LerianStudio/lib-dispatch/dispatch/outbox"
	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

const (
	maxSQLIdentifierLength  = 63
	defaultStatementTimeout = 30 * time.Second
	defaultTableName        = "outbox_messages"

	messageColumns = "id, event_type, payload, status, attempts, last_error, " +
		"claimed_by, claimed_until, published_at, created_at, updated_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrLeaseMustBePositive = errors.New("lease must be greater than zero")
	ErrClaimedByRequired   = errors.New("claimed by is required")
	ErrMaxAttemptsRequired = errors.New("maxAttempts must be greater than zero")
	ErrIDRequired          = errors.New("id is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")
	ErrStoreNotInitialized = errors.New("outbox store not initialized")
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

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithStatementTimeout bounds statements issued outside a caller transaction.
func WithStatementTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.statementTimeout = timeout
		}
	}
}

// Store implements outbox.Store on PostgreSQL. Claiming uses a single UPDATE
// over a SKIP LOCKED subselect, so concurrent publishers never receive the
// same row, and expired leases are reclaimed by the same statement.
type Store struct {
	connection       *libPostgres.Connection
	logger           log.Logger
	tracer           trace.Tracer
	tableName        string
	statementTimeout time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store.
func NewStore(connection *libPostgres.Connection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:       connection,
		logger:           log.NewNop(),
		tracer:           otel.Tracer("outbox.postgres"),
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

// Append inserts messages within the caller's transaction.
func (store *Store) Append(ctx context.Context, tx *sql.Tx, messages ...*outbox.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if tx == nil {
		return ErrTransactionRequired
	}

	if len(messages) == 0 {
		return nil
	}

	for _, message := range messages {
		if message == nil {
			return outbox.ErrMessageRequired
		}

		if message.ID == uuid.Nil {
			return ErrIDRequired
		}
	}

	ctx, span := store.tracer.Start(ctx, "postgres.append_outbox")
	defer span.End()

	query, args := store.buildInsert(messages)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to append outbox messages", err)

		return fmt.Errorf("appending outbox messages: %w", err)
	}

	return nil
}

func (store *Store) buildInsert(messages []*outbox.Message) (string, []any) {
	const columnsPerRow = 11

	var placeholders strings.Builder

	args := make([]any, 0, len(messages)*columnsPerRow)
	now := time.Now().UTC()

	for i, message := range messages {
		if i > 0 {
			placeholders.WriteString(", ")
		}

		placeholders.WriteString("(")

		for j := 0; j < columnsPerRow; j++ {
			if j > 0 {
				placeholders.WriteString(", ")
			}

			fmt.Fprintf(&placeholders, "$%d", i*columnsPerRow+j+1)
		}

		placeholders.WriteString(")")

		createdAt := message.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		updatedAt := message.UpdatedAt
		if updatedAt.IsZero() || updatedAt.Before(createdAt) {
			updatedAt = createdAt
		}

		args = append(args,
			message.ID,
			strings.TrimSpace(message.EventType),
			message.Payload,
			string(outbox.StatusPending),
			0,
			"",
			"",
			nil,
			nil,
			createdAt,
			updatedAt,
		)
	}

	query := "INSERT INTO " + quoteIdentifier(store.tableName) +
		" (" + messageColumns + ") VALUES " + placeholders.String()

	return query, args
}

// ClaimBatch atomically claims up to limit dispatchable messages. Pending
// rows and processing rows with an expired lease qualify; the subselect takes
// row locks with SKIP LOCKED so concurrent claimers pass each other instead
// of blocking.
func (store *Store) ClaimBatch(ctx context.Context, claimedBy string, limit int, lease time.Duration) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(claimedBy) == "" {
		return nil, ErrClaimedByRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if lease <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.claim_outbox_batch")
	defer span.End()

	table := quoteIdentifier(store.tableName)
	query := "UPDATE " + table + " SET " +
		"status = $1, claimed_by = $2, claimed_until = $3, updated_at = $4 " +
		"WHERE id IN (" +
		"SELECT id FROM " + table + " " +
		"WHERE status = $5 OR (status = $1 AND claimed_until IS NOT NULL AND claimed_until <= $4) " +
		"ORDER BY created_at ASC LIMIT $6 FOR UPDATE SKIP LOCKED" +
		") RETURNING " + messageColumns

	now := time.Now().UTC()
	args := []any{
		string(outbox.StatusProcessing),
		claimedBy,
		now.Add(lease),
		now,
		string(outbox.StatusPending),
		limit,
	}

	messages, err := store.queryMessages(ctx, query, args, limit)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to claim outbox batch", err)

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	// UPDATE ... RETURNING does not guarantee row order even though the
	// subselect is ordered.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// MarkPublished finalizes a delivered message and clears its lease.
func (store *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(string(outbox.StatusProcessing), string(outbox.StatusPublished)); err != nil {
		return fmt.Errorf("mark published transition: %w", err)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_published")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = $1, published_at = $2, claimed_by = '', claimed_until = NULL, updated_at = $3 " +
		"WHERE id = $4 AND status = $5"

	err := store.execExpectingRow(ctx, query,
		string(outbox.StatusPublished), publishedAt, time.Now().UTC(), id, string(outbox.StatusProcessing))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to mark outbox published", err)

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed records a failed attempt. The row returns to PENDING while
// attempts remain and becomes FAILED once maxAttempts is reached; the
// resulting status is returned so callers can alert on the terminal case.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) (outbox.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return "", ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	if maxAttempts <= 0 {
		return "", ErrMaxAttemptsRequired
	}

	cause = sanitize.ErrorMessage(cause)

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return "", fmt.Errorf("marking failed: %w", err)
	}

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END, " +
		"attempts = attempts + 1, " +
		"last_error = $4, " +
		"claimed_by = '', claimed_until = NULL, updated_at = $5 " +
		"WHERE id = $6 AND status = $7 " +
		"RETURNING status"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	var rawStatus string

	err = primary.QueryRowContext(execCtx, query,
		maxAttempts,
		string(outbox.StatusFailed),
		string(outbox.StatusPending),
		cause,
		time.Now().UTC(),
		id,
		string(outbox.StatusProcessing),
	).Scan(&rawStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", outbox.ErrStateConflict
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to mark outbox failed", err)

		return "", fmt.Errorf("marking failed: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return "", fmt.Errorf("marking failed: %w", err)
	}

	return status, nil
}

// MarkDiscarded parks a poison message as FAILED without consuming the
// remaining attempt budget.
func (store *Store) MarkDiscarded(ctx context.Context, id uuid.UUID, cause string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(string(outbox.StatusProcessing), string(outbox.StatusFailed)); err != nil {
		return fmt.Errorf("mark discarded transition: %w", err)
	}

	cause = sanitize.ErrorMessage(cause)

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_discarded")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = $1, last_error = $2, claimed_by = '', claimed_until = NULL, updated_at = $3 " +
		"WHERE id = $4 AND status = $5"

	err := store.execExpectingRow(ctx, query,
		string(outbox.StatusFailed), cause, time.Now().UTC(), id, string(outbox.StatusProcessing))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to mark outbox discarded", err)

		return fmt.Errorf("marking discarded: %w", err)
	}

	return nil
}

// CountByStatus reports how many messages sit in each lifecycle state. Reads
// go through the resolver, so replicas can serve them.
func (store *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	ctx, span := store.tracer.Start(ctx, "postgres.count_outbox_by_status")
	defer span.End()

	resolver, err := store.connection.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}

	query := "SELECT status, COUNT(*) FROM " + quoteIdentifier(store.tableName) + " GROUP BY status"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	rows, err := resolver.QueryContext(execCtx, query)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to count outbox by status", err)

		return nil, fmt.Errorf("counting by status: %w", err)
	}

	defer rows.Close()

	counts := make(map[outbox.Status]int64)

	for rows.Next() {
		var (
			rawStatus string
			count     int64
		)

		if err := rows.Scan(&rawStatus, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}

		status, err := outbox.ParseStatus(rawStatus)
		if err != nil {
			return nil, fmt.Errorf("counting by status: %w", err)
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

func (store *Store) queryMessages(ctx context.Context, query string, args []any, limit int) ([]*outbox.Message, error) {
	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	rows, err := primary.QueryContext(execCtx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var (
		message   outbox.Message
		rawStatus string
		lastError sql.NullString
		claimedBy sql.NullString
	)

	if err := scanner.Scan(
		&message.ID,
		&message.EventType,
		&message.Payload,
		&rawStatus,
		&message.Attempts,
		&lastError,
		&claimedBy,
		&message.ClaimedUntil,
		&message.PublishedAt,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	message.Status = status

	if lastError.Valid {
		message.LastError = lastError.String
	}

	if claimedBy.Valid {
		message.ClaimedBy = claimedBy.String
	}

	return &message, nil
}

func (store *Store) execExpectingRow(ctx context.Context, query string, args ...any) error {
	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	result, err := primary.ExecContext(execCtx, query, args...)
	if err != nil {
		return fmt.Errorf("executing update: %w", err)
	}

	return ensureRowsAffected(result)
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

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
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
