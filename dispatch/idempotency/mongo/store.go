// Package mongo persists idempotency records in MongoDB. The _id index is
// the begin gate: the first insert wins and duplicates surface as duplicate
// key errors, so no application-level locking is involved.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/idempotency"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

// Bound for the begin loop: a document that vanishes between our statements
// means the owner aborted, and one more round settles it.
const beginRaceRounds = 3

var (
	ErrCollectionRequired  = errors.New("mongo collection is required")
	ErrKeyRequired         = errors.New("idempotency key is required")
	ErrTTLMustBePositive   = errors.New("ttl must be greater than zero")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
)

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

// WithTracer sets the store tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(store *Store) {
		if !nilcheck.Interface(tracer) {
			store.tracer = tracer
		}
	}
}

// Store implements idempotency.Store on a MongoDB collection.
type Store struct {
	collection *mongo.Collection
	logger     log.Logger
	tracer     trace.Tracer
}

var _ idempotency.Store = (*Store)(nil)

type recordDocument struct {
	Key       string    `bson:"_id"`
	Status    string    `bson:"status"`
	Result    []byte    `bson:"result,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// NewStore creates a MongoDB idempotency store over an established
// collection.
func NewStore(collection *mongo.Collection, opts ...Option) (*Store, error) {
	if collection == nil {
		return nil, ErrCollectionRequired
	}

	store := &Store{
		collection: collection,
		logger:     log.NewNop(),
		tracer:     otel.Tracer("idempotency.mongo"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// EnsureIndexes creates the TTL index that prunes expired records. Mongo's
// TTL monitor only sweeps about once a minute, so the expiry filter in Begin
// stays authoritative; the index just keeps the collection from growing
// without bound.
func (store *Store) EnsureIndexes(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	model := mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("idempotency_expires_at_ttl"),
	}

	if _, err := store.collection.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("creating idempotency indexes: %w", err)
	}

	return nil
}

// Begin claims the key. The first caller inserts the placeholder document;
// on a duplicate key an expired record is taken over in place, and a live
// one is classified from its status.
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

	ctx, span := store.tracer.Start(ctx, "mongo.begin_idempotency")
	defer span.End()

	for round := 0; round < beginRaceRounds; round++ {
		outcome, record, err := store.beginOnce(ctx, key, ttl)
		if err != nil {
			dispatch.HandleSpanError(span, err)
			store.logError(ctx, "failed to begin idempotent record", err)

			return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
		}

		if outcome != 0 {
			return outcome, record, nil
		}
	}

	err := errors.New("document contention did not settle")
	dispatch.HandleSpanError(span, err)

	return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
}

// beginOnce runs one insert, takeover, classify round. A zero outcome with a
// nil error means the document vanished mid-round and the caller should
// contend again.
func (store *Store) beginOnce(ctx context.Context, key string, ttl time.Duration) (idempotency.BeginOutcome, *idempotency.Record, error) {
	now := time.Now().UTC()
	placeholder := idempotency.NewPlaceholder(key, now, ttl)

	_, err := store.collection.InsertOne(ctx, recordDocument{
		Key:       placeholder.Key,
		Status:    string(placeholder.Status),
		CreatedAt: placeholder.CreatedAt,
		ExpiresAt: placeholder.ExpiresAt,
	})
	if err == nil {
		return idempotency.BeginStarted, placeholder, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return 0, nil, fmt.Errorf("inserting placeholder: %w", err)
	}

	// A record exists. Expired ones, completed and abandoned alike, are
	// rewritten into a fresh placeholder; the expiry filter makes the
	// takeover race safe.
	takeover, err := store.collection.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lte": now}},
		bson.M{
			"$set": bson.M{
				"status":     string(idempotency.StatusRunning),
				"created_at": placeholder.CreatedAt,
				"expires_at": placeholder.ExpiresAt,
			},
			"$unset": bson.M{"result": ""},
		},
	)
	if err != nil {
		return 0, nil, fmt.Errorf("taking over expired record: %w", err)
	}

	if takeover.MatchedCount == 1 {
		return idempotency.BeginStarted, placeholder, nil
	}

	var document recordDocument

	err = store.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&document)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil, nil
		}

		return 0, nil, fmt.Errorf("inspecting existing record: %w", err)
	}

	record, err := toRecord(document)
	if err != nil {
		return 0, nil, err
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

	ctx, span := store.tracer.Start(ctx, "mongo.complete_idempotency")
	defer span.End()

	updated, err := store.collection.UpdateOne(ctx,
		bson.M{"_id": key, "status": string(idempotency.StatusRunning)},
		bson.M{"$set": bson.M{
			"status": string(idempotency.StatusCompleted),
			"result": result,
		}},
	)
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to complete idempotent record", err)

		return fmt.Errorf("completing idempotent record: %w", err)
	}

	if updated.MatchedCount == 1 {
		return nil
	}

	// The guarded update missed. Completed records are immutable; anything
	// else means our placeholder is gone.
	status, found, err := store.currentStatus(ctx, key)
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

	ctx, span := store.tracer.Start(ctx, "mongo.abort_idempotency")
	defer span.End()

	deleted, err := store.collection.DeleteOne(ctx,
		bson.M{"_id": key, "status": string(idempotency.StatusRunning)})
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to abort idempotent record", err)

		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	if deleted.DeletedCount == 1 {
		return nil
	}

	status, found, err := store.currentStatus(ctx, key)
	if err != nil {
		dispatch.HandleSpanError(span, err)

		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	if found && status == idempotency.StatusCompleted {
		return idempotency.ErrAlreadyCompleted
	}

	return nil
}

// Get loads the record for a key.
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

	ctx, span := store.tracer.Start(ctx, "mongo.get_idempotency")
	defer span.End()

	var document recordDocument

	err := store.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&document)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, idempotency.ErrRecordNotFound
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to get idempotent record", err)

		return nil, fmt.Errorf("getting idempotent record: %w", err)
	}

	return toRecord(document)
}

func (store *Store) currentStatus(ctx context.Context, key string) (idempotency.Status, bool, error) {
	var document struct {
		Status string `bson:"status"`
	}

	err := store.collection.FindOne(ctx,
		bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"status": 1}),
	).Decode(&document)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("inspecting existing record: %w", err)
	}

	status, err := idempotency.ParseStatus(document.Status)
	if err != nil {
		return "", false, err
	}

	return status, true, nil
}

func toRecord(document recordDocument) (*idempotency.Record, error) {
	status, err := idempotency.ParseStatus(document.Status)
	if err != nil {
		return nil, err
	}

	return &idempotency.Record{
		Key:       document.Key,
		Status:    status,
		Result:    document.Result,
		CreatedAt: document.CreatedAt,
		ExpiresAt: document.ExpiresAt,
	}, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.collection != nil
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if store.logger == nil || err == nil {
		return
	}

	store.logger.Log(ctx, log.LevelError, message, log.String("error", sanitize.Error(err)))
}
