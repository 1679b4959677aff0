package persistence

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
	"emailbot/pkg/crypto"
)

// =============================================================================
// Audit Adapter
// =============================================================================

// AuditAdapter implements out.AuditRepository. Detail payloads can carry
// email content, so they are encrypted before insert.
type AuditAdapter struct {
	db   *sqlx.DB
	keys *crypto.KeyRing
}

// NewAuditAdapter creates a new AuditAdapter.
func NewAuditAdapter(db *sqlx.DB, keys *crypto.KeyRing) *AuditAdapter {
	return &AuditAdapter{db: db, keys: keys}
}

func (a *AuditAdapter) encryptDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", apperr.InternalWithError(err)
	}
	encrypted, err := a.keys.EncryptString(string(data))
	if err != nil {
		return "", apperr.InternalWithError(err)
	}
	return encrypted, nil
}

// Record appends one audit event.
func (a *AuditAdapter) Record(ctx context.Context, event *domain.AuditEvent) error {
	details, err := a.encryptDetails(event.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_events (event_type, action, actor_id, session_id, ip_address,
			user_agent, resource_type, resource_id, success, error, details,
			execution_time_ms, risk_score, requires_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = a.db.ExecContext(ctx, query,
		event.EventType, event.Action, event.ActorID, event.SessionID, event.IPAddress,
		event.UserAgent, event.ResourceType, event.ResourceID, event.Success, event.Error,
		details, event.ExecutionTimeMS, event.RiskScore, event.RequiresReview,
	)
	if err != nil {
		return apperr.DatabaseError("record audit event", err)
	}
	return nil
}

// RecordSecurity appends one security event.
func (a *AuditAdapter) RecordSecurity(ctx context.Context, event *domain.SecurityEvent) error {
	details, err := a.encryptDetails(event.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO security_events (event_type, severity, source, details)
		VALUES ($1, $2, $3, $4)`

	if _, err := a.db.ExecContext(ctx, query,
		event.EventType, string(event.Severity), event.Source, details,
	); err != nil {
		return apperr.DatabaseError("record security event", err)
	}
	return nil
}

// RecordAuthAttempt appends one auth outcome.
func (a *AuditAdapter) RecordAuthAttempt(ctx context.Context, attempt *domain.AuthenticationAttempt) error {
	query := `
		INSERT INTO auth_attempts (identifier, success, reason, ip_address)
		VALUES ($1, $2, $3, $4)`

	if _, err := a.db.ExecContext(ctx, query,
		attempt.Identifier, attempt.Success, attempt.Reason, attempt.IPAddress,
	); err != nil {
		return apperr.DatabaseError("record auth attempt", err)
	}
	return nil
}

// FailedAuthCount counts failed attempts for an identifier since the cutoff.
func (a *AuditAdapter) FailedAuthCount(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM auth_attempts
		WHERE identifier = $1 AND NOT success AND created_at >= $2`

	if err := a.db.GetContext(ctx, &count, query, identifier, since.UTC()); err != nil {
		return 0, apperr.DatabaseError("failed auth count", err)
	}
	return count, nil
}
