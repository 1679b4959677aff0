package bootstrap

import (
	"strings"

	"emailbot/adapter/in/http"
	"emailbot/config"
	"emailbot/infra/middleware"
	"emailbot/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "emailbot-api",
	})
	log := logger.Default()

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(log),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json is 2-3x faster than encoding/json for these payloads
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover(log))
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger(log))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS. AllowCredentials requires explicit origins, never "*".
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.MailGateway, deps.ChatGateway, deps.LLMClient, deps.Scheduler)
	healthHandler.Register(app)

	// API routes (with rate limiting, auth, and auditing)
	api := app.Group("/api/v1")
	api.Use(middleware.RateLimit(deps.Limiter))
	api.Use(middleware.BearerAuth(deps.TokenBroker, deps.AuditRepo))
	api.Use(middleware.Audit(deps.AuditRepo))

	processHandler := http.NewProcessHandler(deps.Scheduler)
	processHandler.Register(api)

	analyticsHandler := http.NewAnalyticsHandler(deps.StatsRepo, deps.ClassificationRepo)
	analyticsHandler.Register(api)

	escalationHandler := http.NewEscalationHandler(deps.EscalationRepo, deps.ChatGateway, log)
	escalationHandler.Register(api)

	log.Info("API server initialized")

	return app, cleanup, nil
}
