package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/model"
)

func testStoredResponse() StoredResponse {
	return StoredResponse{Status: http.StatusCreated, Body: []byte(`{"id":"wf-1"}`)}
}

// --- stores ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestIdempotencyStores(t *testing.T) {
	_, client := newTestRedis(t)
	stores := map[string]IdempotencyStore{
		"memory": NewMemoryIdempotencyStore(),
		"redis":  NewRedisIdempotencyStore(client),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FormatIdempotencyKey("tenant-1", "/v1/instances", name)

			got, found, err := store.Check(ctx, key, "hash-a")
			if err != nil || found || got != nil {
				t.Fatalf("Check before Store = (%v, %v, %v), want miss", got, found, err)
			}

			if err := store.Store(ctx, key, "hash-a", testStoredResponse(), time.Minute); err != nil {
				t.Fatalf("Store error: %v", err)
			}

			got, found, err = store.Check(ctx, key, "hash-a")
			if err != nil || !found {
				t.Fatalf("Check after Store = (%v, %v), want hit", found, err)
			}
			if got.Status != http.StatusCreated || string(got.Body) != `{"id":"wf-1"}` {
				t.Errorf("stored = %d %s", got.Status, got.Body)
			}

			_, found, err = store.Check(ctx, key, "hash-b")
			if !found || !model.IsCode(err, model.ErrConflict) {
				t.Errorf("Check with different body = (%v, %v), want CONFLICT", found, err)
			}
		})
	}
}

func TestFormatIdempotencyKey(t *testing.T) {
	if got := FormatIdempotencyKey("t-1", "/v1/instances", "k-1"); got != "idem:t-1:/v1/instances:k-1" {
		t.Errorf("key = %q", got)
	}
}

func TestMemoryIdempotencyStore_expiry(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Store(ctx, "k", "h", testStoredResponse(), time.Minute)
	now = now.Add(2 * time.Minute)

	if _, found, _ := store.Check(ctx, "k", "h"); found {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestRedisIdempotencyStore_ttl(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()

	store.Store(ctx, "k", "h", testStoredResponse(), time.Minute)
	mr.FastForward(2 * time.Minute)

	if _, found, _ := store.Check(ctx, "k", "h"); found {
		t.Error("expired entry should not be found")
	}
}

func TestRedisIdempotencyStore_unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	mr.Close()

	_, found, err := store.Check(context.Background(), "k", "h")
	if err == nil || found {
		t.Errorf("Check with redis down = (%v, %v), want error and miss", found, err)
	}
}

// --- middleware ---

func idempotentHandler(t *testing.T, store IdempotencyStore, status int, calls *int) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		body, _ := io.ReadAll(r.Body)
		WriteJSON(w, status, map[string]any{"call": *calls, "echo": string(body)})
	})
	withRctx := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := model.WithRequestContext(r.Context(), &model.RequestContext{SubjectID: "user-1", TenantID: "tenant-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return withRctx(Idempotent(store, time.Hour, zap.NewNop())(inner))
}

func postWithKey(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/instances", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotent_replaysFirstResponse(t *testing.T) {
	var calls int
	h := idempotentHandler(t, NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	first := postWithKey(h, "key-1", `{"type_id":"audit"}`)
	second := postWithKey(h, "key-1", `{"type_id":"audit"}`)

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replayed status = %d, want 201", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %s, want %s", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replayed response should carry Idempotent-Replayed")
	}
}

func TestIdempotent_bodyPassedThrough(t *testing.T) {
	var calls int
	h := idempotentHandler(t, NewMemoryIdempotencyStore(), http.StatusOK, &calls)

	w := postWithKey(h, "key-1", `{"a":1}`)
	if !strings.Contains(w.Body.String(), `{\"a\":1}`) {
		t.Errorf("handler did not see the request body: %s", w.Body.String())
	}
}

func TestIdempotent_keyReusedWithDifferentBody(t *testing.T) {
	var calls int
	h := idempotentHandler(t, NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	postWithKey(h, "key-1", `{"type_id":"audit"}`)
	w := postWithKey(h, "key-1", `{"type_id":"remediation"}`)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestIdempotent_failuresNotRemembered(t *testing.T) {
	var calls int
	h := idempotentHandler(t, NewMemoryIdempotencyStore(), http.StatusConflict, &calls)

	postWithKey(h, "key-1", `{}`)
	postWithKey(h, "key-1", `{}`)

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}

func TestIdempotent_withoutKeyAlwaysExecutes(t *testing.T) {
	var calls int
	h := idempotentHandler(t, NewMemoryIdempotencyStore(), http.StatusCreated, &calls)

	postWithKey(h, "", `{}`)
	postWithKey(h, "", `{}`)

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}

func TestIdempotent_storeDownDegradesToExecute(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()
	var calls int
	h := idempotentHandler(t, NewRedisIdempotencyStore(client), http.StatusCreated, &calls)

	w := postWithKey(h, "key-1", `{}`)
	if w.Code != http.StatusCreated || calls != 1 {
		t.Errorf("status = %d calls = %d, want 201 and 1", w.Code, calls)
	}
}
