package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec instruments only appear in Gather once a series exists.
	m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond)
	m.InstanceStarted("t")
	m.InstanceTransitioned("t", "a", "b")
	m.InstanceEnded("t", "completed")
	m.TaskChanged("task_created")
	m.ApprovalDecided("t", "approved")
	m.BridgeCall("start", "ok")
	m.EscalationOutcome("tenant", "escalated")
	m.Delivery("log", "delivered")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"grcflow_http_requests_total",
		"grcflow_http_request_duration_seconds",
		"grcflow_workflow_starts_total",
		"grcflow_workflow_transitions_total",
		"grcflow_workflow_ends_total",
		"grcflow_workflow_active_instances",
		"grcflow_task_events_total",
		"grcflow_approval_decisions_total",
		"grcflow_definitions_loaded",
		"grcflow_bridge_calls_total",
		"grcflow_escalations_total",
		"grcflow_notification_deliveries_total",
		"grcflow_notification_dropped_recipients_total",
		"grcflow_outbox_backlog",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/instances/{instanceID}", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/v1/instances/{instanceID}", 200, 100*time.Millisecond)
	m.RecordHTTPRequest("POST", "/v1/instances", 409, 20*time.Millisecond)

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{instanceID}", "200")); val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances", "409")); val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.InstanceStarted("vendor_onboarding")
	m.InstanceStarted("vendor_onboarding")
	m.InstanceTransitioned("vendor_onboarding", "draft", "in_review")
	m.InstanceEnded("vendor_onboarding", "cancelled")

	if val := testutil.ToFloat64(m.WorkflowStartsTotal.WithLabelValues("vendor_onboarding")); val != 2 {
		t.Errorf("starts = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("vendor_onboarding")); val != 1 {
		t.Errorf("active = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("vendor_onboarding", "draft", "in_review")); val != 1 {
		t.Errorf("transitions = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.WorkflowEndsTotal.WithLabelValues("vendor_onboarding", "cancelled")); val != 1 {
		t.Errorf("ends = %v, want 1", val)
	}
}

func TestTaskApprovalAndBridgeCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.TaskChanged("task_claimed")
	m.TaskChanged("task_claimed")
	m.ApprovalDecided("policy_exception", "rejected")
	m.BridgeCall("status", "error")

	if val := testutil.ToFloat64(m.TaskEventsTotal.WithLabelValues("task_claimed")); val != 2 {
		t.Errorf("task events = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.ApprovalDecisionsTotal.WithLabelValues("policy_exception", "rejected")); val != 1 {
		t.Errorf("decisions = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.BridgeCallsTotal.WithLabelValues("status", "error")); val != 1 {
		t.Errorf("bridge calls = %v, want 1", val)
	}
}

func TestEscalationAndNotificationRecorders(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.EscalationOutcome("tenant-1", "escalated")
	m.Delivery("webhook", "failed")
	m.Delivery("webhook", "delivered")
	m.RecipientDropped()
	m.OutboxBacklog(7)
	m.OutboxBacklog(3)

	if val := testutil.ToFloat64(m.EscalationsTotal.WithLabelValues("tenant-1", "escalated")); val != 1 {
		t.Errorf("escalations = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.NotificationDeliveries.WithLabelValues("webhook", "failed")); val != 1 {
		t.Errorf("failed deliveries = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.NotificationDroppedTotal); val != 1 {
		t.Errorf("dropped = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.OutboxPendingEvents); val != 3 {
		t.Errorf("backlog = %v, want 3", val)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetDefinitionsLoaded(4)
	if val := testutil.ToFloat64(m.DefinitionsLoaded); val != 4 {
		t.Errorf("definitions loaded = %v, want 4", val)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/instances/{instanceID}", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/inst-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{instanceID}", "200")); val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/instances", nil))

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances", "409")); val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output should include default Go collectors")
	}
}
