package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc123"
	defer func() { Version, Commit = origVersion, origCommit }()

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc123" {
		t.Errorf("response = %+v", resp)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_definitionsOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: func() bool { return true }})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 || resp.Checks["definitions"].Status != "ok" {
		t.Errorf("checks = %+v", resp.Checks)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: func() bool { return false }})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_nilDefinitionsCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_dependencies(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Dependencies: map[string]Pinger{
			"store":   PingFunc(func(context.Context) error { return nil }),
			"redis":   PingFunc(func(context.Context) error { return errors.New("connection refused") }),
			"process": PingFunc(func(context.Context) error { return nil }),
		},
	}
	code, resp := serveReady(t, checks)

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	if resp.Checks["store"].Status != "ok" || resp.Checks["process"].Status != "ok" {
		t.Errorf("healthy dependencies reported %+v", resp.Checks)
	}
	if got := resp.Checks["redis"]; got.Status != "error" || got.Error != "connection refused" {
		t.Errorf("redis = %+v", got)
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Dependencies: map[string]Pinger{
			"slow": PingFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
