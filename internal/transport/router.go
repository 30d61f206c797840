package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Tasks        *workflow.TaskManager
	Approvals    *workflow.ApprovalCoordinator
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Idempotency  IdempotencyStore
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tasks == nil {
		deps.Tasks = workflow.NewTaskManager(deps.Engine)
	}
	if deps.Approvals == nil {
		deps.Approvals = workflow.NewApprovalCoordinator(deps.Engine)
	}
	cfg := deps.Config.Server

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = rejectAll
	}
	h := &handlers{
		engine:    deps.Engine,
		tasks:     deps.Tasks,
		approvals: deps.Approvals,
		logger:    logger,
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(HandlerTimeout(cfg.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotent(deps.Idempotency, cfg.Idempotency.TTL, logger))

		r.Get("/types", h.listTypes)
		r.Get("/types/{typeID}", h.getType)

		r.Post("/instances", h.startInstance)
		r.Get("/instances", h.listInstances)
		r.Route("/instances/{instanceID}", func(r chi.Router) {
			r.Get("/", h.getInstance)
			r.Get("/transitions", h.availableTransitions)
			r.Post("/transitions", h.transition)
			r.Get("/history", h.history)
			r.Post("/cancel", h.cancelInstance)
			r.Post("/archive", h.archiveInstance)

			r.Get("/tasks", h.instanceTasks)
			r.Post("/tasks", h.createTask)

			r.Get("/approval", h.approvalStatus)
			r.Post("/approval/submit", h.submitForApproval)
			r.Post("/approval/decisions", h.decide)

			r.Post("/external", h.delegate)
			r.Post("/external/sync", h.syncExternal)
			r.Post("/external/complete", h.completeExternalTask)
		})

		r.Get("/tasks", h.listTasks)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", h.getTask)
			r.Post("/claim", h.claimTask)
			r.Post("/complete", h.completeTask)
			r.Post("/reassign", h.reassignTask)
			r.Post("/acknowledge", h.acknowledgeEscalation)
			r.Get("/escalations", h.taskEscalations)
		})
	})

	return r
}

// rejectAll guards the API when no authenticator is configured.
func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("Authentication is not configured"))
	})
}
