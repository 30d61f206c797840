package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every Prometheus instrument of the service. It also serves
// as the lifecycle observer of the workflow engine and the outcome recorder
// of the escalation scheduler and notification dispatcher.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflows
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowEndsTotal        *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	TaskEventsTotal          *prometheus.CounterVec
	ApprovalDecisionsTotal   *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	BridgeCallsTotal         *prometheus.CounterVec

	// Escalation and notification
	EscalationsTotal         *prometheus.CounterVec
	NotificationDeliveries   *prometheus.CounterVec
	NotificationDroppedTotal prometheus.Counter
	OutboxPendingEvents      prometheus.Gauge
}

// InitMetrics creates and registers all instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grcflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_workflow_starts_total",
			Help: "Workflow instances started.",
		}, []string{"type_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_workflow_transitions_total",
			Help: "Transitions applied to workflow instances.",
		}, []string{"type_id", "from", "to"}),
		WorkflowEndsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_workflow_ends_total",
			Help: "Workflow instances that completed or were cancelled.",
		}, []string{"type_id", "status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grcflow_workflow_active_instances",
			Help: "Active workflow instances started by this process.",
		}, []string{"type_id"}),
		TaskEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_task_events_total",
			Help: "Task lifecycle events.",
		}, []string{"event"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_approval_decisions_total",
			Help: "Approval decisions recorded.",
		}, []string{"type_id", "decision"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grcflow_definitions_loaded",
			Help: "Number of registered workflow types.",
		}),
		BridgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_bridge_calls_total",
			Help: "Calls to the external process engine.",
		}, []string{"operation", "outcome"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_escalations_total",
			Help: "Escalation scheduler outcomes per task.",
		}, []string{"tenant_id", "outcome"}),
		NotificationDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grcflow_notification_deliveries_total",
			Help: "Notification channel attempts.",
		}, []string{"channel", "outcome"}),
		NotificationDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grcflow_notification_dropped_recipients_total",
			Help: "Recipients no channel could reach.",
		}),
		OutboxPendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grcflow_outbox_backlog",
			Help: "Undelivered outbox events seen by the last sweep.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowEndsTotal,
		m.WorkflowActiveInstances,
		m.TaskEventsTotal,
		m.ApprovalDecisionsTotal,
		m.DefinitionsLoaded,
		m.BridgeCallsTotal,
		m.EscalationsTotal,
		m.NotificationDeliveries,
		m.NotificationDroppedTotal,
		m.OutboxPendingEvents,
	)
	return m
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// SetDefinitionsLoaded sets the number of registered workflow types.
func (m *Metrics) SetDefinitionsLoaded(n int) {
	m.DefinitionsLoaded.Set(float64(n))
}

// --- Workflow engine ---

func (m *Metrics) InstanceStarted(typeID string) {
	m.WorkflowStartsTotal.WithLabelValues(typeID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(typeID).Inc()
}

func (m *Metrics) InstanceTransitioned(typeID, from, to string) {
	m.WorkflowTransitionsTotal.WithLabelValues(typeID, from, to).Inc()
}

func (m *Metrics) InstanceEnded(typeID, status string) {
	m.WorkflowEndsTotal.WithLabelValues(typeID, status).Inc()
	m.WorkflowActiveInstances.WithLabelValues(typeID).Dec()
}

func (m *Metrics) TaskChanged(event string) {
	m.TaskEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) ApprovalDecided(typeID, decision string) {
	m.ApprovalDecisionsTotal.WithLabelValues(typeID, decision).Inc()
}

func (m *Metrics) BridgeCall(op, outcome string) {
	m.BridgeCallsTotal.WithLabelValues(op, outcome).Inc()
}

// --- Escalation and notification ---

func (m *Metrics) EscalationOutcome(tenantID, outcome string) {
	m.EscalationsTotal.WithLabelValues(tenantID, outcome).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	m.NotificationDeliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) RecipientDropped() {
	m.NotificationDroppedTotal.Inc()
}

func (m *Metrics) OutboxBacklog(n int) {
	m.OutboxPendingEvents.Set(float64(n))
}

// --- HTTP middleware ---

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter captures the response status.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
