package bootstrap

import (
	"context"
	"fmt"

	"emailbot/adapter/out/graphmail"
	"emailbot/adapter/out/llm"
	"emailbot/adapter/out/mongodb"
	"emailbot/adapter/out/persistence"
	"emailbot/adapter/out/teams"
	"emailbot/config"
	"emailbot/core/port/out"
	"emailbot/core/service/auth"
	"emailbot/core/service/classify"
	"emailbot/core/service/escalate"
	"emailbot/core/service/pipeline"
	"emailbot/core/service/respond"
	"emailbot/core/service/route"
	"emailbot/core/service/scheduler"
	"emailbot/core/service/security"
	"emailbot/infra/database"
	"emailbot/pkg/cache"
	"emailbot/pkg/crypto"
	"emailbot/pkg/logger"
	"emailbot/pkg/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	Keys  *crypto.KeyRing
	Cache out.Cache

	// Repositories
	EmailRepo          out.EmailRepository
	ClassificationRepo out.ClassificationRepository
	ProcessingRepo     out.ProcessingRepository
	EscalationRepo     out.EscalationRepository
	PatternRepo        out.PatternRepository
	MetricRepo         out.MetricRepository
	AuditRepo          out.AuditRepository
	StatsRepo          out.StatsRepository
	BodyArchive        out.BodyArchive

	// Gateways
	TokenBroker *auth.TokenBroker
	MailGateway *graphmail.MailAdapter
	ChatGateway *teams.ChatAdapter
	LLMClient   *llm.Client

	// Services
	Classifier *classify.Classifier
	Router     *route.Router
	Responder  *respond.Responder
	Escalator  *escalate.Escalator
	Screener   *security.Screener

	Limiter      *ratelimit.SlidingWindowLimiter
	Orchestrator *pipeline.Orchestrator
	Scheduler    *scheduler.Scheduler
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	log := logger.Default()

	fail := func(err error) (*Dependencies, func(), error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, nil, err
	}

	// Encryption keys. Encrypted columns make the key ring mandatory.
	if cfg.EncryptionKey == "" {
		return fail(fmt.Errorf("ENCRYPTION_KEY is required"))
	}
	keys, err := crypto.NewKeyRing(cfg.EncryptionKeyID, []byte(cfg.EncryptionKey))
	if err != nil {
		return fail(fmt.Errorf("encryption key ring: %w", err))
	}
	deps.Keys = keys

	// Database (pgxpool)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("postgres: %w", err))
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the persistence adapters)
	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("postgres via sqlx: %w", err))
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	if err := persistence.Migrate(context.Background(), sqlDB); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}

	// Redis. The cache and the limiter both degrade gracefully without it,
	// so a Redis outage at startup is a warning, not a failure.
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis connection failed, caching and rate limit state are node-local")
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}
	deps.Cache = cache.NewRedisCache(deps.Redis)

	// MongoDB body archive
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			log.WithError(err).Warn("mongodb connection failed, raw bodies are not archived")
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			archive := mongodb.NewBodyArchiveAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := archive.EnsureIndexes(context.Background()); err != nil {
				log.WithError(err).Warn("mongodb index creation failed")
			}
			deps.BodyArchive = archive
		}
	}

	// Repositories
	deps.EmailRepo = persistence.NewEmailAdapter(sqlDB, keys)
	deps.ClassificationRepo = persistence.NewClassificationAdapter(sqlDB, keys)
	deps.ProcessingRepo = persistence.NewProcessingAdapter(sqlDB)
	deps.EscalationRepo = persistence.NewEscalationAdapter(sqlDB)
	deps.PatternRepo = persistence.NewPatternAdapter(sqlDB)
	deps.MetricRepo = persistence.NewMetricAdapter(sqlDB)
	deps.AuditRepo = persistence.NewAuditAdapter(sqlDB, keys)
	deps.StatsRepo = persistence.NewStatsAdapter(sqlDB)

	// Token broker for the mail and chat gateways
	deps.TokenBroker = auth.NewTokenBroker(&auth.Config{
		TenantID:          cfg.AuthTenantID,
		ClientID:          cfg.AuthClientID,
		ClientSecret:      cfg.AuthClientSecret,
		Authority:         cfg.AuthAuthority,
		Scope:             cfg.AuthScope,
		CacheTTL:          cfg.TokenCacheTTL,
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		LockoutDuration:   cfg.LockoutDuration,
	}, deps.Cache, deps.AuditRepo, log)

	// Platform gateways
	deps.MailGateway = graphmail.NewMailAdapter(cfg.GraphBaseURL, cfg.TargetMailbox, deps.TokenBroker, log)
	deps.ChatGateway = teams.NewChatAdapter(teams.Config{
		BaseURL:            cfg.GraphBaseURL,
		ProvisionPollTries: cfg.ProvisionPollTries,
		ProvisionPollDelay: cfg.ProvisionPollDelay,
	}, deps.TokenBroker, log)

	// LLM client
	deps.LLMClient = llm.NewClient(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
		MaxRetries:  cfg.LLMMaxRetries,
	}, log)

	// Services
	deps.Classifier = classify.NewClassifier(deps.LLMClient, log)
	deps.Router = route.NewRouter(route.Thresholds{
		Auto:    cfg.ConfidenceAuto,
		Suggest: cfg.ConfidenceSuggest,
		Review:  cfg.ConfidenceReview,
	})
	deps.Responder = respond.NewResponder(deps.LLMClient, deps.MailGateway, log)
	deps.Escalator = escalate.NewEscalator(deps.LLMClient, deps.ChatGateway, cfg.ExpertiseMap, cfg.EscalationOwner, log)
	deps.Screener = security.NewScreener(deps.AuditRepo, deps.PatternRepo, cfg.MaxEmailBodyLen, log)

	// Rate limiter, shared by the API surface and the processing loop
	deps.Limiter = ratelimit.NewSlidingWindowLimiter(deps.Redis, &ratelimit.Config{
		MaxRequests: cfg.RateLimitRequests,
		Window:      cfg.RateLimitWindow,
		BurstSize:   cfg.RateLimitBurst,
		BurstWindow: cfg.RateLimitWindow / 6,
	})
	deps.Limiter.SetNotifier(deps.Screener)

	// Pipeline
	deps.Orchestrator = pipeline.NewOrchestrator(pipeline.Config{
		BatchSize:         cfg.BatchSize,
		RetryAttempts:     cfg.RetryAttempts,
		RetryDelay:        cfg.RetryDelay,
		MaxProcessingTime: cfg.MaxProcessingTime,
	}, deps.MailGateway, pipeline.Stores{
		Emails:          deps.EmailRepo,
		Classifications: deps.ClassificationRepo,
		Processing:      deps.ProcessingRepo,
		Escalations:     deps.EscalationRepo,
		Metrics:         deps.MetricRepo,
		Audit:           deps.AuditRepo,
		Archive:         deps.BodyArchive,
	}, deps.Cache, deps.Classifier, deps.Router, deps.Responder, deps.Escalator, deps.Screener, deps.Limiter, log)

	deps.Scheduler = scheduler.NewScheduler(deps.Orchestrator, cfg.PollingInterval, log)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}

	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	return nil
}
