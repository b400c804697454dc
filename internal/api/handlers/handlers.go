package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/scheduler"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

// MessageService is the queue surface exposed over HTTP.
type MessageService interface {
	Enqueue(ctx context.Context, in dispatch.EnqueueInput) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueMessage, error)
	List(ctx context.Context, filter repository.MessageFilter) ([]*domain.QueueMessage, error)
	Attempts(ctx context.Context, id uuid.UUID, limit int, token string) (*dispatch.AttemptsPage, error)
	DailyStats(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error)
}

// InboundSink accepts webhook deliveries. It either routes them in process
// or forwards them to the inbound topic.
type InboundSink interface {
	Accept(ctx context.Context, evt queue.InboundEvent) (any, error)
}

// JobRunner triggers a scheduler job immediately.
type JobRunner interface {
	RunOnce(ctx context.Context, name string) (scheduler.RunResult, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps bundles what the handlers call into.
type Deps struct {
	Messages MessageService
	Inbound  InboundSink
	Jobs     JobRunner
	Health   map[string]HealthCheck
	Logger   *zap.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	messages MessageService
	inbound  InboundSink
	jobs     JobRunner
	health   map[string]HealthCheck
	logger   *zap.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &HandlerSet{
		messages: deps.Messages,
		inbound:  deps.Inbound,
		jobs:     deps.Jobs,
		health:   deps.Health,
		logger:   deps.Logger,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api").Group("/v1")

	messages := v1.Group("/messages")
	messages.Post("/", h.enqueueMessage)
	messages.Get("/", h.listMessages)
	messages.Get("/:id", h.getMessage)
	messages.Get("/:id/attempts", h.messageAttempts)

	v1.Get("/stats/daily", h.dailyStats)
	v1.Post("/inbound", h.receiveInbound)
	v1.Post("/jobs/:name/run", h.runJob)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
