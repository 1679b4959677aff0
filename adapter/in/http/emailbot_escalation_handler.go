package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
	"emailbot/pkg/logger"
	"emailbot/pkg/response"
)

// EscalationHandler serves escalation lifecycle endpoints.
type EscalationHandler struct {
	escalations out.EscalationRepository
	chat        out.ChatGateway
	log         *logger.Logger
}

// NewEscalationHandler creates a new EscalationHandler.
func NewEscalationHandler(escalations out.EscalationRepository, chat out.ChatGateway, log *logger.Logger) *EscalationHandler {
	return &EscalationHandler{escalations: escalations, chat: chat, log: log}
}

// Register mounts the escalation routes.
func (h *EscalationHandler) Register(router fiber.Router) {
	router.Get("/escalations/active", h.ListActive)
	router.Post("/escalations/:group_id/resolve", h.Resolve)
}

// ListActive returns unresolved escalation groups.
func (h *EscalationHandler) ListActive(c *fiber.Ctx) error {
	groups, err := h.escalations.ListActive(c.Context())
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{
		"count":       len(groups),
		"escalations": groups,
	})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

// Resolve closes an escalation group. The chat group is archived best
// effort; the record is resolved either way.
func (h *EscalationHandler) Resolve(c *fiber.Ctx) error {
	groupID := c.Params("group_id")
	if groupID == "" {
		return apperr.MissingField("group_id")
	}

	var req resolveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("request body must be valid JSON")
		}
	}

	group, err := h.escalations.GetByGroupID(c.Context(), groupID)
	if err != nil {
		return err
	}
	if group.Status != domain.EscalationActive {
		return apperr.Conflict("escalation is not active: " + string(group.Status))
	}

	group.Resolve(req.Notes, time.Now().UTC())
	if err := h.escalations.Update(c.Context(), group); err != nil {
		return err
	}

	if err := h.chat.PostMessage(c.Context(), groupID,
		"<p>This escalation has been resolved. "+req.Notes+"</p>"); err != nil {
		h.log.WithField("group_id", groupID).WithError(err).Warn("resolution message failed")
	}
	if err := h.chat.ArchiveGroup(c.Context(), groupID); err != nil {
		h.log.WithField("group_id", groupID).WithError(err).Warn("group archive failed")
	}

	return response.OK(c, group)
}
