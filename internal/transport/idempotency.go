package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/model"
)

// IdempotencyHeader carries the client-chosen key of a retried POST.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotentBody = 1 << 20

// StoredResponse is the first successful response to an idempotent request.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyStore deduplicates retried POST requests. Keys are formatted by
// FormatIdempotencyKey.
type IdempotencyStore interface {
	// Check returns the stored response for key. A key reused with a
	// different request body yields a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (resp *StoredResponse, found bool, err error)

	// Store records resp under key for ttl.
	Store(ctx context.Context, key, inputHash string, resp StoredResponse, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string         `json:"input_hash"`
	Response  StoredResponse `json:"response"`
}

func keyReused(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// FormatIdempotencyKey scopes a client key to a tenant and route.
func FormatIdempotencyKey(tenantID, route, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, route, key)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore keeps entries in process memory. Suitable for tests
// and single-replica deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, keyReused(key)
	}
	resp := entry.data.Response
	return &resp, true, nil
}

func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore shares idempotency entries across replicas.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*StoredResponse, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, keyReused(key)
	}
	return &entry.Response, true, nil
}

func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, resp StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// --- middleware ---

// Idempotent replays the first successful response of a POST that carries an
// Idempotency-Key header. Only 2xx responses are remembered, so a request
// that failed may be retried with the same key. Store failures degrade to
// executing the request.
func Idempotent(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyHeader)
			rctx := model.RequestContextFrom(r.Context())
			if store == nil || clientKey == "" || r.Method != http.MethodPost || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])
			key := FormatIdempotencyKey(rctx.TenantID, r.URL.Path, clientKey)

			stored, found, err := store.Check(r.Context(), key, hash)
			switch {
			case found && err != nil:
				WriteError(w, err)
				return
			case err != nil:
				logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
			case found:
				w.Header().Set("Idempotent-Replayed", "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 {
				return
			}
			resp := StoredResponse{Status: rec.status, Body: json.RawMessage(rec.body.Bytes())}
			if len(resp.Body) == 0 {
				resp.Body = json.RawMessage("null")
			}
			if err := store.Store(r.Context(), key, hash, resp, ttl); err != nil {
				logger.Warn("idempotency store failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// capturingWriter copies the response body while writing it through.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
