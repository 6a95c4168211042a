package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/service/ingest"
	leadsvc "github.com/acme/dental-outreach/internal/service/lead"
	"github.com/acme/dental-outreach/pkg/logger"
)

// HealthCheck checks one backing store.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services behind the operator API.
type Dependencies struct {
	Leads  *leadsvc.Service
	Ingest *ingest.Service
	Checks map[string]HealthCheck
	// Location is used to read civil dates sent by operators.
	Location *time.Location
	Logger   *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	leads    *leadsvc.Service
	ingest   *ingest.Service
	checks   map[string]HealthCheck
	location *time.Location
	logger   *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &HandlerSet{
		leads:    deps.Leads,
		ingest:   deps.Ingest,
		checks:   deps.Checks,
		location: loc,
		logger:   log.Named("api"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	leads := v1.Group("/leads")
	leads.Get("/orphans", h.listOrphans)
	leads.Get("/:id", h.getLead)
	leads.Get("/:id/reports", h.listReports)
	leads.Post("/:id/force-close", h.forceClose)
	leads.Post("/:id/reopen", h.reopen)
	leads.Post("/:id/manual-appointment", h.manualAppointment)
	leads.Post("/:id/schedule", h.scheduleCall)
	leads.Post("/:id/reconcile-attempts", h.reconcileAttempts)

	v1.Get("/incidents", h.listIncidents)
	v1.Post("/imports", h.importWorkbook)
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

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	code, status := fiber.StatusOK, "ok"
	if len(errs) > 0 {
		code, status = fiber.StatusServiceUnavailable, "degraded"
	}

	return ctx.Status(code).JSON(fiber.Map{"status": status, "errors": errs})
}
