// Package integration provides a reusable test harness for end-to-end
// testing of the workflow service. It starts a full HTTP server with JWT
// verification, the in-memory workflow store, the notification relay, and
// the escalation scheduler driven by a test clock.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/definition"
	"github.com/pitabwire/grcflow/internal/escalation"
	"github.com/pitabwire/grcflow/internal/notify"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/transport"
	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

// TestHarness encapsulates a fully wired service instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	clock  *Clock

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Store      *workflow.MemoryStore
	Engine     *workflow.Engine
	Scheduler  *escalation.Scheduler
	Metrics    *observability.Metrics
	Inbox      *Inbox
	Deliveries *notify.MemoryDeliveryLog

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	escalation     config.EscalationConfig
	failChannel    bool
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithEscalation replaces the escalation settings.
func WithEscalation(cfg config.EscalationConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.escalation = cfg
	}
}

// WithFailingChannel makes every notification delivery fail.
func WithFailingChannel() HarnessOption {
	return func(c *harnessConfig) {
		c.failChannel = true
	}
}

// NewTestHarness creates and starts a full test instance. The server and the
// relay are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		escalation: config.EscalationConfig{
			Enabled:       true,
			Interval:      time.Minute,
			MaxLevels:     2,
			DefaultTarget: "user-ciso",
			BatchSize:     100,
			Superiors:     map[string]string{"user-analyst": "user-lead"},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(t),
		clock:  NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}

	// Step 1: Configuration.
	h.cfg = config.Defaults()
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience
	h.cfg.Identity.JWKSURL = h.issuer.jwks.URL
	h.cfg.Identity.Algorithms = []string{"ES256"}
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Escalation = hc.escalation

	// Step 2: Workflow types.
	files, err := definition.NewLoader().LoadBuiltin()
	if err != nil {
		t.Fatalf("load builtin definitions: %v", err)
	}
	reg, verrs := definition.Build(files)
	if len(verrs) > 0 {
		t.Fatalf("builtin definitions invalid: %v", verrs)
	}
	h.Registry = reg

	// Step 3: Telemetry on a private registry.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Metrics.SetDefinitionsLoaded(reg.Len())

	// Step 4: Notifications.
	h.Store = workflow.NewMemoryStore()
	h.Inbox = &Inbox{fail: hc.failChannel}
	h.Deliveries = notify.NewMemoryDeliveryLog()
	dispatcher := notify.NewDispatcher(
		notify.NewStaticPreferences(nil, []string{h.Inbox.Name()}),
		h.Deliveries,
		[]notify.Channel{h.Inbox},
		notify.WithRecorder(h.Metrics),
		notify.WithRetry(2, time.Millisecond),
	)
	relay := notify.NewRelay(h.Store, dispatcher, notify.RelayConfig{
		Interval:    20 * time.Millisecond,
		MaxAttempts: 2,
	}, notify.WithRelayRecorder(h.Metrics))

	// Step 5: Engine and scheduler.
	h.Engine = workflow.NewEngine(reg, h.Store,
		workflow.WithClock(h.clock.Now),
		workflow.WithEventSink(relay),
		workflow.WithObserver(h.Metrics),
	)
	tasks := workflow.NewTaskManager(h.Engine)
	h.Scheduler = escalation.NewScheduler(h.Store, tasks, h.cfg.Escalation,
		escalation.WithClock(h.clock.Now),
		escalation.WithRecorder(h.Metrics),
	)

	// Step 6: HTTP router.
	jwks := transport.NewJWKSClient(h.cfg.Identity.JWKSURL, h.cfg.Identity.JWKSCacheTTL, zap.NewNop())
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.NewAuthenticator(h.cfg.Identity, jwks).Middleware,
		Engine:       h.Engine,
		Tasks:        tasks,
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return reg.Len() > 0 },
			Dependencies:      map[string]observability.Pinger{"store": h.Store},
		},
		Idempotency: transport.NewMemoryIdempotencyStore(),
	})

	// Step 7: Start the relay and the test server.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		cancel()
		<-done
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Clock returns the time source shared by the engine and the scheduler.
func (h *TestHarness) Clock() *Clock {
	return h.clock
}

// Token issues a signed bearer token for c.
func (h *TestHarness) Token(c Caller, opts ...TokenOption) string {
	return h.issuer.Token(h.t, c, opts...)
}

// UnsignedToken issues an alg=none token for c.
func (h *TestHarness) UnsignedToken(c Caller) string {
	return h.issuer.UnsignedToken(h.t, c)
}

// Escalate runs one escalation scan at the current test time.
func (h *TestHarness) Escalate() escalation.Result {
	h.t.Helper()
	res, err := h.Scheduler.Tick(context.Background())
	if err != nil {
		h.t.Fatalf("escalation tick: %v", err)
	}
	return res
}

// WaitForMessage waits until the inbox holds a message of eventType for
// recipient and returns it.
func (h *TestHarness) WaitForMessage(recipient, eventType string) notify.Message {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := h.Inbox.Find(recipient, eventType); ok {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no %s message for %s; inbox: %s", eventType, recipient, FormatJSON(h.Inbox.Messages()))
	return notify.Message{}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Callers ---

// Analyst is a GRC analyst of acme-corp.
func Analyst() Caller { return Caller{SubjectID: "user-analyst", TenantID: "acme-corp"} }

// Owner is a policy owner of acme-corp.
func Owner() Caller { return Caller{SubjectID: "user-owner", TenantID: "acme-corp"} }

// ComplianceOfficer approves acme-corp's policy reviews.
func ComplianceOfficer() Caller { return Caller{SubjectID: "user-co", TenantID: "acme-corp"} }

// Intruder belongs to a different tenant.
func Intruder() Caller { return Caller{SubjectID: "user-intruder", TenantID: "globex"} }

// --- Helpers ---

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Inbox is a notification channel that keeps every message it is sent.
type Inbox struct {
	mu       sync.Mutex
	messages []notify.Message
	fail     bool
}

func (i *Inbox) Name() string  { return "inbox" }
func (i *Inbox) Enabled() bool { return true }

func (i *Inbox) Send(_ context.Context, msg notify.Message) error {
	if i.fail {
		return fmt.Errorf("inbox unavailable")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

// Messages returns a copy of the received messages.
func (i *Inbox) Messages() []notify.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]notify.Message(nil), i.messages...)
}

// Find returns the first message of eventType for recipient.
func (i *Inbox) Find(recipient, eventType string) (notify.Message, bool) {
	for _, m := range i.Messages() {
		if m.Recipient == recipient && m.EventType == eventType {
			return m, true
		}
	}
	return notify.Message{}, false
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
