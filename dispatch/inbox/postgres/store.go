// Package postgres persists inbox messages in PostgreSQL. The claim is an
// insert keyed by the producer-assigned message id, so deduplication rides on
// the primary key instead of application-level locking.
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
	"github.com/LerianStudio/lib-dispatch/dispatch/inbox"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
	libPostgres "github.com/LerianStudio/lib-dispatch/dispatch/postgres"
)

const (
	maxSQLIdentifierLength  = 63
	defaultStatementTimeout = 30 * time.Second
	defaultTableName        = "inbox_messages"

	messageColumns = "message_id, event_type, payload, status, attempts, " +
		"last_error, claimed_until, received_at, updated_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrMessageIDRequired   = errors.New("message id is required")
	ErrLeaseMustBePositive = errors.New("lease must be greater than zero")
	ErrMaxAttemptsRequired = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
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

// WithTableName overrides the inbox table name.
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

// Store implements inbox.Store on PostgreSQL. First deliveries win the claim
// through INSERT ON CONFLICT DO NOTHING; redeliveries fall through to a
// reclaim update that only matches retryable or expired rows.
type Store struct {
	connection       *libPostgres.Connection
	logger           log.Logger
	tracer           trace.Tracer
	tableName        string
	statementTimeout time.Duration
}

var _ inbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL inbox store.
func NewStore(connection *libPostgres.Connection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:       connection,
		logger:           log.NewNop(),
		tracer:           otel.Tracer("inbox.postgres"),
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

// TryClaim attempts to take ownership of the message. A first delivery
// inserts the row already claimed; a redelivery either reclaims a retryable
// or expired row, or resolves to duplicate or in-flight from the row state.
func (store *Store) TryClaim(ctx context.Context, message *inbox.Message, lease time.Duration) (inbox.ClaimOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	if message == nil {
		return 0, inbox.ErrMessageRequired
	}

	if err := message.Validate(); err != nil {
		return 0, err
	}

	if lease <= 0 {
		return 0, ErrLeaseMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.try_claim_inbox")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("claiming inbox message: %w", err)
	}

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	until := now.Add(lease)

	outcome, err := store.tryClaimOnce(execCtx, primary, message, now, until)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to claim inbox message", err)

		return 0, fmt.Errorf("claiming inbox message: %w", err)
	}

	return outcome, nil
}

func (store *Store) tryClaimOnce(ctx context.Context, primary *sql.DB, message *inbox.Message, now, until time.Time) (inbox.ClaimOutcome, error) {
	table := quoteIdentifier(store.tableName)

	receivedAt := message.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	insert := "INSERT INTO " + table + " (" + messageColumns + ") " +
		"VALUES ($1, $2, $3, $4, 1, '', $5, $6, $7) " +
		"ON CONFLICT (message_id) DO NOTHING"

	result, err := primary.ExecContext(ctx, insert,
		message.MessageID,
		message.EventType,
		message.Payload,
		string(inbox.StatusProcessing),
		until,
		receivedAt,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting claim: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if inserted == 1 {
		store.applyClaim(message, 1, until, now)

		return inbox.ClaimAccepted, nil
	}

	// The row already exists. Reclaim it when it is retryable or its lease
	// lapsed; the status filter keeps resolved rows and live claims untouched.
	reclaim := "UPDATE " + table + " SET " +
		"status = $1, attempts = attempts + 1, claimed_until = $2, updated_at = $3 " +
		"WHERE message_id = $4 AND (status = $5 OR (status = $1 AND claimed_until IS NOT NULL AND claimed_until <= $3)) " +
		"RETURNING attempts"

	var attempts int

	err = primary.QueryRowContext(ctx, reclaim,
		string(inbox.StatusProcessing),
		until,
		now,
		message.MessageID,
		string(inbox.StatusReceived),
	).Scan(&attempts)
	if err == nil {
		store.applyClaim(message, attempts, until, now)

		return inbox.ClaimAccepted, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reclaiming: %w", err)
	}

	return store.resolveExisting(ctx, primary, message.MessageID)
}

// resolveExisting classifies a row that could be neither inserted nor
// reclaimed. Terminal rows are duplicates; everything else is treated as in
// flight so the delivery comes back later.
func (store *Store) resolveExisting(ctx context.Context, primary *sql.DB, messageID string) (inbox.ClaimOutcome, error) {
	query := "SELECT status FROM " + quoteIdentifier(store.tableName) + " WHERE message_id = $1"

	var rawStatus string

	err := primary.QueryRowContext(ctx, query, messageID).Scan(&rawStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Claimed and deleted between our statements. Let the redelivery
			// sort it out.
			return inbox.ClaimInFlight, nil
		}

		return 0, fmt.Errorf("inspecting existing row: %w", err)
	}

	status, err := inbox.ParseStatus(rawStatus)
	if err != nil {
		return 0, err
	}

	if status.IsTerminal() {
		return inbox.ClaimDuplicate, nil
	}

	return inbox.ClaimInFlight, nil
}

func (store *Store) applyClaim(message *inbox.Message, attempts int, until, now time.Time) {
	message.Status = inbox.StatusProcessing
	message.Attempts = attempts
	message.ClaimedUntil = &until
	message.UpdatedAt = now
}

// MarkProcessed finalizes a claimed message and clears its lease.
func (store *Store) MarkProcessed(ctx context.Context, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return ErrMessageIDRequired
	}

	if err := inbox.ValidateTransition(string(inbox.StatusProcessing), string(inbox.StatusProcessed)); err != nil {
		return fmt.Errorf("mark processed transition: %w", err)
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_inbox_processed")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = $1, last_error = '', claimed_until = NULL, updated_at = $2 " +
		"WHERE message_id = $3 AND status = $4"

	err := store.execExpectingRow(ctx, query,
		string(inbox.StatusProcessed), time.Now().UTC(), messageID, string(inbox.StatusProcessing))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to mark inbox processed", err)

		return fmt.Errorf("marking processed: %w", err)
	}

	return nil
}

// MarkFailed records a failed attempt. The row returns to RECEIVED while the
// attempt count stays under maxAttempts and parks as FAILED once the budget
// is spent; the resulting status is returned so callers can alert on the
// terminal case.
func (store *Store) MarkFailed(ctx context.Context, messageID, cause string, maxAttempts int) (inbox.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return "", ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return "", ErrMessageIDRequired
	}

	if maxAttempts <= 0 {
		return "", ErrMaxAttemptsRequired
	}

	cause = sanitize.ErrorMessage(cause)

	ctx, span := store.tracer.Start(ctx, "postgres.mark_inbox_failed")
	defer span.End()

	primary, err := store.connection.PrimaryDB(ctx)
	if err != nil {
		return "", fmt.Errorf("marking failed: %w", err)
	}

	// Attempts were already counted at claim time, so the budget check reads
	// the current value instead of incrementing.
	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = CASE WHEN attempts >= $1 THEN $2 ELSE $3 END, " +
		"last_error = $4, " +
		"claimed_until = NULL, updated_at = $5 " +
		"WHERE message_id = $6 AND status = $7 " +
		"RETURNING status"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	var rawStatus string

	err = primary.QueryRowContext(execCtx, query,
		maxAttempts,
		string(inbox.StatusFailed),
		string(inbox.StatusReceived),
		cause,
		time.Now().UTC(),
		messageID,
		string(inbox.StatusProcessing),
	).Scan(&rawStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", inbox.ErrStateConflict
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to mark inbox failed", err)

		return "", fmt.Errorf("marking failed: %w", err)
	}

	status, err := inbox.ParseStatus(rawStatus)
	if err != nil {
		return "", fmt.Errorf("marking failed: %w", err)
	}

	return status, nil
}

// Discard parks a claimed message as FAILED regardless of remaining attempts.
func (store *Store) Discard(ctx context.Context, messageID, cause string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return ErrMessageIDRequired
	}

	if err := inbox.ValidateTransition(string(inbox.StatusProcessing), string(inbox.StatusFailed)); err != nil {
		return fmt.Errorf("discard transition: %w", err)
	}

	cause = sanitize.ErrorMessage(cause)

	ctx, span := store.tracer.Start(ctx, "postgres.discard_inbox")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) + " SET " +
		"status = $1, last_error = $2, claimed_until = NULL, updated_at = $3 " +
		"WHERE message_id = $4 AND status = $5"

	err := store.execExpectingRow(ctx, query,
		string(inbox.StatusFailed), cause, time.Now().UTC(), messageID, string(inbox.StatusProcessing))
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to discard inbox message", err)

		return fmt.Errorf("discarding: %w", err)
	}

	return nil
}

// GetByID loads a message by its id. Reads go through the resolver, so
// replicas can serve them.
func (store *Store) GetByID(ctx context.Context, messageID string) (*inbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(messageID) == "" {
		return nil, ErrMessageIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_inbox_message")
	defer span.End()

	resolver, err := store.connection.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting inbox message: %w", err)
	}

	query := "SELECT " + messageColumns + " FROM " + quoteIdentifier(store.tableName) +
		" WHERE message_id = $1"

	execCtx, cancel := store.withStatementTimeout(ctx)
	defer cancel()

	message, err := scanMessage(resolver.QueryRowContext(execCtx, query, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrMessageNotFound
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to get inbox message", err)

		return nil, fmt.Errorf("getting inbox message: %w", err)
	}

	return message, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*inbox.Message, error) {
	var (
		message   inbox.Message
		rawStatus string
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&message.MessageID,
		&message.EventType,
		&message.Payload,
		&rawStatus,
		&message.Attempts,
		&lastError,
		&message.ClaimedUntil,
		&message.ReceivedAt,
		&message.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning inbox message: %w", err)
	}

	status, err := inbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	message.Status = status

	if lastError.Valid {
		message.LastError = lastError.String
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
		return inbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return inbox.ErrStateConflict
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
