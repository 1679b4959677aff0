package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Polling
	PollingInterval   time.Duration
	BatchSize         int
	MaxProcessingTime time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	TargetMailbox     string
	MaxEmailBodyLen   int

	// Confidence thresholds (0-100)
	ConfidenceAuto    float64
	ConfidenceSuggest float64
	ConfidenceReview  float64

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeout     time.Duration
	LLMMaxRetries  int

	// Platform endpoints
	GraphBaseURL string

	// Platform auth (client credentials flow)
	AuthTenantID     string
	AuthClientID     string
	AuthClientSecret string
	AuthAuthority    string
	AuthScope        string

	// Auth policy
	TokenCacheTTL     time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	// Encryption
	EncryptionKey   string
	EncryptionKeyID string

	// Escalation
	EscalationOwner    string
	ProvisionPollTries int
	ProvisionPollDelay time.Duration
	ExpertiseMap       map[string][]string

	// Scheduler
	SchedulerEnabled bool

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "emailbot"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Polling
		PollingInterval:   time.Duration(getEnvInt("POLLING_INTERVAL_MINUTES", 5)) * time.Minute,
		BatchSize:         getEnvInt("BATCH_SIZE", 10),
		MaxProcessingTime: time.Duration(getEnvInt("MAX_PROCESSING_TIME_MINUTES", 30)) * time.Minute,
		RetryAttempts:     getEnvInt("RETRY_ATTEMPTS", 3),
		RetryDelay:        time.Duration(getEnvInt("RETRY_DELAY_SECONDS", 60)) * time.Second,
		TargetMailbox:     getEnv("TARGET_MAILBOX", ""),
		MaxEmailBodyLen:   getEnvInt("MAX_EMAIL_BODY_LENGTH", 50000),

		// Confidence thresholds
		ConfidenceAuto:    getEnvFloat("CONFIDENCE_THRESHOLD_AUTO", 85),
		ConfidenceSuggest: getEnvFloat("CONFIDENCE_THRESHOLD_SUGGEST", 60),
		ConfidenceReview:  getEnvFloat("CONFIDENCE_THRESHOLD_REVIEW", 40),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 300),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.1),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT", 30)) * time.Second,
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 3),

		// Platform endpoints. Empty means the adapters' production default;
		// tests point this at a local stub.
		GraphBaseURL: getEnv("GRAPH_BASE_URL", ""),

		// Platform auth
		AuthTenantID:     getEnv("AUTH_TENANT_ID", ""),
		AuthClientID:     getEnv("AUTH_CLIENT_ID", ""),
		AuthClientSecret: getEnv("AUTH_CLIENT_SECRET", ""),
		AuthAuthority:    getEnv("AUTH_AUTHORITY", "https://login.microsoftonline.com"),
		AuthScope:        getEnv("AUTH_SCOPE", "https://graph.microsoft.com/.default"),

		// Auth policy
		TokenCacheTTL:     time.Duration(getEnvInt("TOKEN_CACHE_TTL", 3600)) * time.Second,
		MaxFailedAttempts: getEnvInt("MAX_FAILED_AUTH_ATTEMPTS", 5),
		LockoutDuration:   time.Duration(getEnvInt("AUTH_LOCKOUT_DURATION", 900)) * time.Second,

		// Rate limiting
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 20),

		// Encryption
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		EncryptionKeyID: getEnv("ENCRYPTION_KEY_ID", "k1"),

		// Escalation
		EscalationOwner:    getEnv("ESCALATION_OWNER", ""),
		ProvisionPollTries: getEnvInt("PROVISION_POLL_TRIES", 5),
		ProvisionPollDelay: time.Duration(getEnvInt("PROVISION_POLL_DELAY_SECONDS", 2)) * time.Second,
		ExpertiseMap:       getEnvExpertiseMap(),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that getEnv defaults cannot.
func (c *Config) Validate() error {
	if c.ConfidenceAuto > 100 || c.ConfidenceReview < 0 {
		return fmt.Errorf("confidence thresholds must stay within 0-100")
	}
	if !(c.ConfidenceAuto >= c.ConfidenceSuggest && c.ConfidenceSuggest >= c.ConfidenceReview) {
		return fmt.Errorf("confidence thresholds must be ordered auto >= suggest >= review, got %v/%v/%v",
			c.ConfidenceAuto, c.ConfidenceSuggest, c.ConfidenceReview)
	}
	if c.ConfidenceAuto < 70 {
		return fmt.Errorf("auto threshold below 70 would auto-reply on weak classifications")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.PollingInterval < time.Minute {
		return fmt.Errorf("polling interval below one minute would exhaust the mail API quota")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	return nil
}

// getEnvExpertiseMap parses EXPERTISE_MAP entries of the form
// "category=user1,user2;category2=user3". Unset returns the built-in roles
// with no members, which the escalator treats as owner-only groups.
func getEnvExpertiseMap() map[string][]string {
	m := map[string][]string{
		"it_admin":      nil,
		"helpdesk":      nil,
		"system_admin":  nil,
		"network_admin": nil,
		"security":      nil,
		"procurement":   nil,
		"manager":       nil,
	}

	raw := os.Getenv("EXPERTISE_MAP")
	if raw == "" {
		return m
	}

	for _, pair := range strings.Split(raw, ";") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		role := strings.TrimSpace(parts[0])
		var members []string
		for _, u := range strings.Split(parts[1], ",") {
			if u = strings.TrimSpace(u); u != "" {
				members = append(members, u)
			}
		}
		m[role] = members
	}
	return m
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
