package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
	"emailbot/pkg/response"
)

// defaultStatsWindowDays bounds analytics queries when the caller gives
// no window.
const defaultStatsWindowDays = 7

// AnalyticsHandler serves the dashboard and statistics endpoints.
type AnalyticsHandler struct {
	stats           out.StatsRepository
	classifications out.ClassificationRepository
}

// NewAnalyticsHandler creates a new AnalyticsHandler.
func NewAnalyticsHandler(stats out.StatsRepository, classifications out.ClassificationRepository) *AnalyticsHandler {
	return &AnalyticsHandler{stats: stats, classifications: classifications}
}

// Register mounts the analytics routes.
func (h *AnalyticsHandler) Register(router fiber.Router) {
	router.Get("/analytics/dashboard", h.Dashboard)
	router.Get("/analytics/statistics/processing", h.ProcessingStatistics)
	router.Get("/analytics/statistics/classification", h.ClassificationStatistics)
	router.Get("/analytics/candidates", h.AutomationCandidates)
	router.Post("/analytics/feedback", h.Feedback)
}

func statsWindow(c *fiber.Ctx) time.Time {
	days := c.QueryInt("days", defaultStatsWindowDays)
	if days < 1 {
		days = defaultStatsWindowDays
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

// Dashboard returns the one-call overview snapshot.
func (h *AnalyticsHandler) Dashboard(c *fiber.Ctx) error {
	snapshot, err := h.stats.DashboardSnapshot(c.Context(), statsWindow(c))
	if err != nil {
		return err
	}
	return response.OK(c, snapshot)
}

// ProcessingStatistics aggregates processing outcomes over the window.
func (h *AnalyticsHandler) ProcessingStatistics(c *fiber.Ctx) error {
	stats, err := h.stats.ProcessingStatistics(c.Context(), statsWindow(c))
	if err != nil {
		return err
	}
	return response.OK(c, stats)
}

// ClassificationStatistics aggregates verdicts over the window.
func (h *AnalyticsHandler) ClassificationStatistics(c *fiber.Ctx) error {
	stats, err := h.stats.ClassificationStatistics(c.Context(), statsWindow(c))
	if err != nil {
		return err
	}
	return response.OK(c, stats)
}

// AutomationCandidates lists patterns frequent enough to automate.
func (h *AnalyticsHandler) AutomationCandidates(c *fiber.Ctx) error {
	minFrequency := c.QueryInt("min_frequency", 3)
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	candidates, err := h.stats.AutomationCandidates(c.Context(), minFrequency, limit)
	if err != nil {
		return err
	}
	return response.OK(c, candidates)
}

type feedbackRequest struct {
	EmailID string `json:"email_id"`
	Value   string `json:"value"`
	Notes   string `json:"notes"`
}

// Feedback records a reviewer verdict on a stored classification.
func (h *AnalyticsHandler) Feedback(c *fiber.Ctx) error {
	var req feedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("request body must be valid JSON")
	}
	if req.EmailID == "" {
		return apperr.MissingField("email_id")
	}
	value := domain.FeedbackValue(req.Value)
	if !domain.ValidFeedback(value) {
		return apperr.InvalidInput("value", "must be correct, incorrect, or partial")
	}

	feedback := &domain.HumanFeedback{
		Value:     value,
		Notes:     req.Notes,
		Timestamp: time.Now().UTC(),
	}
	if err := h.classifications.RecordFeedback(c.Context(), req.EmailID, feedback); err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"recorded": true})
}
