package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/core/service/auth"
	"emailbot/pkg/apperr"
)

// BearerAuth validates the Authorization header through the token
// broker's claim checks. Failures are recorded as security events.
func BearerAuth(broker *auth.TokenBroker, audit out.AuditRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return apperr.Unauthorized("missing authorization header")
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return apperr.Unauthorized("authorization header must be a bearer token")
		}

		result := broker.Validate(token)
		if !result.Valid {
			if audit != nil {
				_ = audit.RecordSecurity(c.Context(), &domain.SecurityEvent{
					EventType: "invalid_api_token",
					Severity:  domain.SeverityWarning,
					Source:    c.IP(),
					Details:   map[string]any{"reason": result.Reason, "path": c.Path()},
					CreatedAt: time.Now().UTC(),
				})
			}
			return apperr.InvalidToken(result.Reason)
		}

		if sub, ok := result.Claims["sub"].(string); ok {
			c.Locals("actor_id", sub)
		}
		return c.Next()
	}
}
