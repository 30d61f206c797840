package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /readyz verifies.
type ReadinessChecks struct {
	// DefinitionsLoaded is required; a process without workflow types is
	// never ready.
	DefinitionsLoaded func() bool
	// Dependencies are checked concurrently, keyed by the name reported in
	// the response.
	Dependencies map[string]Pinger
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves the readiness endpoint.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(checks.Dependencies)+1)

		if checks.DefinitionsLoaded != nil && checks.DefinitionsLoaded() {
			results["definitions"] = CheckResult{Status: "ok"}
		} else {
			results["definitions"] = CheckResult{Status: "error", Error: "no workflow types registered"}
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, dep := range checks.Dependencies {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), dep)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		status, httpStatus := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, httpStatus = "not_ready", http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		_ = json.NewEncoder(w).Encode(ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, p Pinger) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: "ok", LatencyMs: latency}
}
