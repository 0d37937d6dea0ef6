// Package redis persists idempotency records in Redis. SetNX is the begin
// gate and the record lifetime rides on the key TTL, so takeover of an
// abandoned placeholder is simply Redis expiring the key.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-dispatch/dispatch"
	"github.com/LerianStudio/lib-dispatch/dispatch/idempotency"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/nilcheck"
	"github.com/LerianStudio/lib-dispatch/dispatch/internal/sanitize"
	"github.com/LerianStudio/lib-dispatch/dispatch/log"
)

const (
	defaultKeyPrefix = "idempotency:"

	// Bound for the begin loop: a key that vanishes between SetNX and GET
	// means the owner aborted, and one more round settles it.
	beginRaceRounds = 3
)

var (
	ErrClientRequired      = errors.New("redis client is required")
	ErrKeyRequired         = errors.New("idempotency key is required")
	ErrTTLMustBePositive   = errors.New("ttl must be greater than zero")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
)

// completeScript stores the result only while the record is still running.
// Completed records are immutable, so the status check and the write must be
// one atomic step.
var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'missing'
end
local record = cjson.decode(raw)
if record['status'] == 'COMPLETED' then
  return 'completed'
end
record['status'] = 'COMPLETED'
record['result'] = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 'ok'
`)

// abortScript deletes the record only while it is still running.
var abortScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'missing'
end
if cjson.decode(raw)['status'] == 'COMPLETED' then
  return 'completed'
end
redis.call('DEL', KEYS[1])
return 'ok'
`)

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

// WithKeyPrefix overrides the prefix prepended to every record key.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if strings.TrimSpace(prefix) != "" {
			store.keyPrefix = prefix
		}
	}
}

// Store implements idempotency.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	logger    log.Logger
	tracer    trace.Tracer
	keyPrefix string
}

var _ idempotency.Store = (*Store)(nil)

// NewStore creates a Redis idempotency store over an established client.
func NewStore(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("idempotency.redis"),
		keyPrefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Begin claims the key. SetNX decides the winner; on conflict the live
// record is classified from its stored status. Expired keys are gone from
// Redis by the time anyone asks, so a reused key starts afresh on its own.
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

	ctx, span := store.tracer.Start(ctx, "redis.begin_idempotency")
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

	err := errors.New("key contention did not settle")
	dispatch.HandleSpanError(span, err)

	return 0, nil, fmt.Errorf("beginning idempotent record: %w", err)
}

// beginOnce runs one SetNX, classify round. A zero outcome with a nil error
// means the key vanished mid-round and the caller should contend again.
func (store *Store) beginOnce(ctx context.Context, key string, ttl time.Duration) (idempotency.BeginOutcome, *idempotency.Record, error) {
	placeholder := idempotency.NewPlaceholder(key, time.Now().UTC(), ttl)

	payload, err := encodeRecord(placeholder)
	if err != nil {
		return 0, nil, err
	}

	storeKey := store.storeKey(key)

	won, err := store.client.SetNX(ctx, storeKey, payload, ttl).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("inserting placeholder: %w", err)
	}

	if won {
		return idempotency.BeginStarted, placeholder, nil
	}

	raw, err := store.client.Get(ctx, storeKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil, nil
		}

		return 0, nil, fmt.Errorf("inspecting existing record: %w", err)
	}

	record, err := decodeRecord(key, raw)
	if err != nil {
		return 0, nil, err
	}

	if record.Status == idempotency.StatusCompleted {
		return idempotency.BeginReplayed, record, nil
	}

	return idempotency.BeginInFlight, record, nil
}

// Complete stores the result against the running placeholder, keeping the
// key's remaining TTL.
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

	ctx, span := store.tracer.Start(ctx, "redis.complete_idempotency")
	defer span.End()

	// The script rewrites the stored record itself; the result rides in as
	// base64 so it stays a plain JSON string.
	encoded := base64.StdEncoding.EncodeToString(result)

	verdict, err := completeScript.Run(ctx, store.client, []string{store.storeKey(key)}, encoded).Text()
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to complete idempotent record", err)

		return fmt.Errorf("completing idempotent record: %w", err)
	}

	switch verdict {
	case "ok":
		return nil
	case "completed":
		return idempotency.ErrAlreadyCompleted
	case "missing":
		return idempotency.ErrRecordNotFound
	default:
		return fmt.Errorf("completing idempotent record: unexpected verdict %q", verdict)
	}
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

	ctx, span := store.tracer.Start(ctx, "redis.abort_idempotency")
	defer span.End()

	verdict, err := abortScript.Run(ctx, store.client, []string{store.storeKey(key)}).Text()
	if err != nil {
		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to abort idempotent record", err)

		return fmt.Errorf("aborting idempotent record: %w", err)
	}

	switch verdict {
	case "ok", "missing":
		return nil
	case "completed":
		return idempotency.ErrAlreadyCompleted
	default:
		return fmt.Errorf("aborting idempotent record: unexpected verdict %q", verdict)
	}
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

	ctx, span := store.tracer.Start(ctx, "redis.get_idempotency")
	defer span.End()

	raw, err := store.client.Get(ctx, store.storeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, idempotency.ErrRecordNotFound
		}

		dispatch.HandleSpanError(span, err)
		store.logError(ctx, "failed to get idempotent record", err)

		return nil, fmt.Errorf("getting idempotent record: %w", err)
	}

	return decodeRecord(key, raw)
}

func (store *Store) storeKey(key string) string {
	return store.keyPrefix + key
}

func (store *Store) initialized() bool {
	return store != nil && store.client != nil
}

func (store *Store) logError(ctx context.Context, message string, err error) {
	if store.logger == nil || err == nil {
		return
	}

	store.logger.Log(ctx, log.LevelError, message, log.String("error", sanitize.Error(err)))
}

type storedRecord struct {
	Status    string    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func encodeRecord(record *idempotency.Record) ([]byte, error) {
	payload, err := json.Marshal(storedRecord{
		Status:    string(record.Status),
		Result:    record.Result,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	return payload, nil
}

func decodeRecord(key string, raw []byte) (*idempotency.Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	status, err := idempotency.ParseStatus(stored.Status)
	if err != nil {
		return nil, err
	}

	return &idempotency.Record{
		Key:       key,
		Status:    status,
		Result:    stored.Result,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}
