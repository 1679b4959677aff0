// Package http provides the inbound fiber handlers.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"emailbot/core/service/scheduler"
)

// Prober is a connectivity check against an external surface.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthHandler serves the unauthenticated health endpoint with a
// component map covering every dependency.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
	mail  Prober
	chat  Prober
	llm   Prober
	sched *scheduler.Scheduler
}

// NewHealthHandler creates a new HealthHandler. Any dependency may be
// nil; it then reports "not configured" instead of failing.
func NewHealthHandler(db *pgxpool.Pool, redisClient *redis.Client, mail, chat, llm Prober, sched *scheduler.Scheduler) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redisClient,
		mail:  mail,
		chat:  chat,
		llm:   llm,
		sched: sched,
	}
}

// Register mounts the health routes.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
}

// Health returns liveness plus a component connectivity map.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string)
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			components[name] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			components[name] = "healthy"
		}
	}

	if h.db != nil {
		check("postgres", h.db.Ping(ctx))
	} else {
		components["postgres"] = "not configured"
	}
	if h.redis != nil {
		check("redis", h.redis.Ping(ctx).Err())
	} else {
		components["redis"] = "not configured"
	}
	if h.mail != nil {
		check("mail", h.mail.Probe(ctx))
	} else {
		components["mail"] = "not configured"
	}
	if h.chat != nil {
		check("chat", h.chat.Probe(ctx))
	} else {
		components["chat"] = "not configured"
	}
	if h.llm != nil {
		check("llm", h.llm.Probe(ctx))
	} else {
		components["llm"] = "not configured"
	}

	body := fiber.Map{
		"status":     "ok",
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if h.sched != nil {
		sh := h.sched.Health()
		body["scheduler"] = sh
		if sh.Running && !sh.Healthy {
			healthy = false
		}
	}

	status := fiber.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(body)
}

// Ready reports whether the backing stores answer; used by orchestration
// probes that must not hit the external platforms.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"reason": "postgres: " + err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
