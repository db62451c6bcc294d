package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/auth"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Trigger fires the fan-out on demand.
type Trigger interface {
	Fire(ctx context.Context, manual bool) (string, error)
}

// JobQueue is the operator view of the job queue.
type JobQueue interface {
	Get(ctx context.Context, kind jobs.Kind, id string) (*jobs.Job, error)
	List(ctx context.Context, kind jobs.Kind, state jobs.State, limit int) ([]*jobs.Job, error)
	Counts(ctx context.Context, kind jobs.Kind) (jobs.Counts, error)
	RetryFailed(ctx context.Context, kind jobs.Kind, id string) error
}

// StatusPublisher forwards normalized webhooks to the status worker.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Dependencies are the collaborators the HTTP layer needs.
type Dependencies struct {
	Auth             *auth.Manager
	Trigger          Trigger
	Jobs             JobQueue
	Provider         telephony.CallProvider
	RequireSignature bool
	Statuses         StatusPublisher
	Events           repository.CallEventStore
	// Health maps a dependency name to its ping.
	Health map[string]func(context.Context) error
	Logger *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps   Dependencies
	logger *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{
		deps:   deps,
		logger: log.Named("http"),
		tracer: otel.Tracer("outbound.api"),
		now:    time.Now,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	webhooks := app.Group("/webhooks")
	webhooks.Post("/calls", h.receiveWebhook)

	v1 := app.Group("/api").Group("/v1", auth.RequireSession(h.deps.Auth))

	v1.Post("/schedule/trigger", h.triggerSchedule)

	jobsGroup := v1.Group("/jobs")
	jobsGroup.Get("/:kind", h.listJobs)
	jobsGroup.Get("/:kind/counts", h.jobCounts)
	jobsGroup.Get("/:kind/:id", h.getJob)
	jobsGroup.Post("/:kind/:id/retry", h.retryJob)

	v1.Get("/calls/:vendorCallId/events", h.listCallEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal server error"
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, ping := range h.deps.Health {
		if err := ping(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	body := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		body = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": body, "errors": errs})
}
