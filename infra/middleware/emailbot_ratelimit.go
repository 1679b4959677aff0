package middleware

import (
	"github.com/gofiber/fiber/v2"

	"emailbot/pkg/apperr"
	"emailbot/pkg/ratelimit"
)

// RateLimit admits requests per client IP through the sliding window
// limiter. Denials carry the retry delay.
func RateLimit(limiter *ratelimit.SlidingWindowLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		result := limiter.Allow(c.Context(), c.IP())
		if !result.Allowed {
			return apperr.RateLimited(c.IP()).
				WithDetail("reason", result.Reason).
				WithDetail("retry_after_seconds", int(result.RetryAfter.Seconds()))
		}

		done := limiter.BeginRequest()
		defer done()
		return c.Next()
	}
}
