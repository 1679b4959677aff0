package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"emailbot/core/service/scheduler"
	"emailbot/pkg/apperr"
	"emailbot/pkg/response"
)

// ProcessHandler exposes the scheduler's manual controls.
type ProcessHandler struct {
	sched *scheduler.Scheduler
}

// NewProcessHandler creates a new ProcessHandler.
func NewProcessHandler(sched *scheduler.Scheduler) *ProcessHandler {
	return &ProcessHandler{sched: sched}
}

// Register mounts the process routes.
func (h *ProcessHandler) Register(router fiber.Router) {
	router.Post("/process/trigger", h.Trigger)
	router.Post("/process/immediate", h.Immediate)
	router.Get("/process/status", h.Status)
	router.Put("/process/interval", h.SetInterval)
}

// Trigger queues a cycle without waiting for it. Returns 202 when the
// cycle was started, 409 when one is already in flight.
func (h *ProcessHandler) Trigger(c *fiber.Ctx) error {
	if !h.sched.TriggerNow() {
		return response.Error(c, fiber.StatusConflict, "CONFLICT", "a processing cycle is already running")
	}
	return response.Accepted(c, fiber.Map{"triggered": true})
}

// Immediate runs one cycle synchronously and returns its summary.
// An in-flight cycle surfaces as 409 through the error handler.
func (h *ProcessHandler) Immediate(c *fiber.Ctx) error {
	summary, err := h.sched.RunOnce(c.Context())
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{
		"fetched":     summary.Fetched,
		"completed":   summary.Completed,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"duration_ms": summary.Duration.Milliseconds(),
	})
}

// Status reports scheduler health and per-stage latency percentiles.
func (h *ProcessHandler) Status(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"scheduler": h.sched.Health(),
		"latency":   h.sched.LatencyStats(),
	})
}

type intervalRequest struct {
	Minutes int `json:"minutes"`
}

// SetInterval changes the polling cadence at runtime.
func (h *ProcessHandler) SetInterval(c *fiber.Ctx) error {
	var req intervalRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("request body must be valid JSON")
	}
	if req.Minutes < 1 || req.Minutes > 1440 {
		return apperr.InvalidInput("minutes", "must be between 1 and 1440")
	}

	if err := h.sched.SetInterval(time.Duration(req.Minutes) * time.Minute); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"interval_minutes": req.Minutes})
}
