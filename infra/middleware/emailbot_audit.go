package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"emailbot/core/domain"
	"emailbot/core/port/out"
)

// Audit records mutating API calls as audit events. Reads are covered by
// the request log; writes additionally land in the audit trail.
func Audit(audit out.AuditRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		actorID, _ := c.Locals("actor_id").(string)
		requestID, _ := c.Locals("request_id").(string)
		status := c.Response().StatusCode()

		event := &domain.AuditEvent{
			EventType:       "api_request",
			Action:          c.Method() + " " + c.Route().Path,
			ActorID:         actorID,
			SessionID:       requestID,
			IPAddress:       c.IP(),
			UserAgent:       c.Get("User-Agent"),
			ResourceType:    "http_endpoint",
			ResourceID:      c.Path(),
			Success:         status < 400,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
			CreatedAt:       time.Now().UTC(),
		}
		if err != nil {
			event.Error = err.Error()
		}

		// Audit writes never fail the request they describe.
		_ = audit.Record(c.Context(), event)
		return err
	}
}
