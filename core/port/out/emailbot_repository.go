package out

import (
	"context"
	"time"

	"emailbot/core/domain"
)

// EmailRepository persists EmailMessage rows. Insert conflicts on the
// platform id are reported as an IntegrityConflict so ingestion stays
// idempotent.
type EmailRepository interface {
	Create(ctx context.Context, email *domain.EmailMessage) error
	GetByID(ctx context.Context, id string) (*domain.EmailMessage, error)
	Exists(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.ProcessingStatus, lastError string) error
	MarkProcessed(ctx context.Context, id string, status domain.ProcessingStatus, processedAt time.Time) error
	IncrementRetry(ctx context.Context, id string) error

	// HighWatermark returns the newest received timestamp among stored
	// emails, or the zero time when the table is empty.
	HighWatermark(ctx context.Context) (time.Time, error)

	ListByStatus(ctx context.Context, status domain.ProcessingStatus, limit int) ([]*domain.EmailMessage, error)
	CountByStatus(ctx context.Context) (map[domain.ProcessingStatus]int, error)
}

// ClassificationRepository stores exactly one classification per email.
type ClassificationRepository interface {
	Create(ctx context.Context, result *domain.ClassificationResult) error
	GetByEmailID(ctx context.Context, emailID string) (*domain.ClassificationResult, error)
	RecordFeedback(ctx context.Context, emailID string, feedback *domain.HumanFeedback) error
	CategoryCounts(ctx context.Context, since time.Time) (map[domain.EmailCategory]int, error)
	AverageConfidence(ctx context.Context, since time.Time) (float64, error)
}

// ProcessingRepository stores processing attempts.
type ProcessingRepository interface {
	Create(ctx context.Context, result *domain.ProcessingResult) error
	Update(ctx context.Context, result *domain.ProcessingResult) error
	GetLatestByEmailID(ctx context.Context, emailID string) (*domain.ProcessingResult, error)

	// ReplySent reports whether any attempt for this email already sent
	// a reply. Backs the at-most-once reply guarantee.
	ReplySent(ctx context.Context, emailID string) (bool, error)
}

// EscalationRepository stores escalation groups.
type EscalationRepository interface {
	Create(ctx context.Context, group *domain.EscalationGroup) error
	GetByGroupID(ctx context.Context, groupID string) (*domain.EscalationGroup, error)
	GetByEmailID(ctx context.Context, emailID string) (*domain.EscalationGroup, error)
	ListActive(ctx context.Context) ([]*domain.EscalationGroup, error)
	Update(ctx context.Context, group *domain.EscalationGroup) error
}

// PatternRepository upserts recurring patterns keyed by pattern id.
type PatternRepository interface {
	Upsert(ctx context.Context, pattern *domain.EmailPattern) error
	GetByID(ctx context.Context, patternID string) (*domain.EmailPattern, error)
	ListTop(ctx context.Context, limit int) ([]*domain.EmailPattern, error)
}

// MetricRepository is append-only.
type MetricRepository interface {
	Record(ctx context.Context, metric *domain.PerformanceMetric) error
	ListByType(ctx context.Context, metricType string, since time.Time, limit int) ([]*domain.PerformanceMetric, error)
}

// StatsRepository serves the read-only aggregate queries behind the
// analytics endpoints.
type StatsRepository interface {
	ProcessingStatistics(ctx context.Context, since time.Time) (*domain.ProcessingStatistics, error)
	ClassificationStatistics(ctx context.Context, since time.Time) (*domain.ClassificationStatistics, error)
	AutomationCandidates(ctx context.Context, minFrequency, limit int) ([]*domain.AutomationCandidate, error)
	DashboardSnapshot(ctx context.Context, since time.Time) (*domain.DashboardSnapshot, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Record(ctx context.Context, event *domain.AuditEvent) error
	RecordSecurity(ctx context.Context, event *domain.SecurityEvent) error
	RecordAuthAttempt(ctx context.Context, attempt *domain.AuthenticationAttempt) error

	// FailedAuthCount counts failed attempts for an identifier since the
	// cutoff. Backs the lockout policy.
	FailedAuthCount(ctx context.Context, identifier string, since time.Time) (int, error)
}
