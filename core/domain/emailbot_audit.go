package domain

import (
	"time"
)

// AuditEvent is an append-only record of one action in the system.
// Rows are never mutated after insert.
type AuditEvent struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	Action    string `json:"action"`

	// Actor
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Resource
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`

	RiskScore      float64 `json:"risk_score,omitempty"`
	RequiresReview bool    `json:"requires_review"`

	CreatedAt time.Time `json:"created_at"`
}

// SecuritySeverity grades a security event.
type SecuritySeverity string

const (
	SeverityInfo     SecuritySeverity = "INFO"
	SeverityWarning  SecuritySeverity = "WARNING"
	SeverityError    SecuritySeverity = "ERROR"
	SeverityCritical SecuritySeverity = "CRITICAL"
)

// SecurityEvent is an append-only record used for lockout decisions and
// monitoring.
type SecurityEvent struct {
	ID        int64            `json:"id"`
	EventType string           `json:"event_type"`
	Severity  SecuritySeverity `json:"severity"`
	Source    string           `json:"source,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// AuthenticationAttempt records one auth outcome for lockout accounting.
type AuthenticationAttempt struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
