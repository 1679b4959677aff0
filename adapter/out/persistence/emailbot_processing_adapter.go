package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
)

// =============================================================================
// Processing Adapter
// =============================================================================

// ProcessingAdapter implements out.ProcessingRepository.
type ProcessingAdapter struct {
	db *sqlx.DB
}

// NewProcessingAdapter creates a new ProcessingAdapter.
func NewProcessingAdapter(db *sqlx.DB) *ProcessingAdapter {
	return &ProcessingAdapter{db: db}
}

type processingRow struct {
	ID                   int64          `db:"id"`
	EmailID              string         `db:"email_id"`
	Status               string         `db:"status"`
	StartedAt            time.Time      `db:"started_at"`
	CompletedAt          sql.NullTime   `db:"completed_at"`
	RoutingDecision      string         `db:"routing_decision"`
	ActionTaken          string         `db:"action_taken"`
	ResponseSent         bool           `db:"response_sent"`
	EscalationCreated    bool           `db:"escalation_created"`
	EscalationRef        sql.NullString `db:"escalation_ref"`
	ProcessingTimeMS     int64          `db:"processing_time_ms"`
	ClassificationTimeMS int64          `db:"classification_time_ms"`
	ResponseGenTimeMS    int64          `db:"response_gen_time_ms"`
	ErrorMessage         string         `db:"error_message"`
	ErrorStage           string         `db:"error_stage"`
	RetryCount           int            `db:"retry_count"`
}

func (r *processingRow) toEntity() *domain.ProcessingResult {
	result := &domain.ProcessingResult{
		ID:                   r.ID,
		EmailID:              r.EmailID,
		Status:               domain.ProcessingStatus(r.Status),
		StartedAt:            r.StartedAt,
		RoutingDecision:      domain.RoutingDecision(r.RoutingDecision),
		ActionTaken:          r.ActionTaken,
		ResponseSent:         r.ResponseSent,
		EscalationCreated:    r.EscalationCreated,
		ProcessingTimeMS:     r.ProcessingTimeMS,
		ClassificationTimeMS: r.ClassificationTimeMS,
		ResponseGenTimeMS:    r.ResponseGenTimeMS,
		ErrorMessage:         r.ErrorMessage,
		ErrorStage:           r.ErrorStage,
		RetryCount:           r.RetryCount,
	}
	if r.CompletedAt.Valid {
		result.CompletedAt = &r.CompletedAt.Time
	}
	if r.EscalationRef.Valid {
		ref := r.EscalationRef.String
		result.EscalationRef = &ref
	}
	return result
}

// Create inserts an attempt and assigns its id.
func (a *ProcessingAdapter) Create(ctx context.Context, result *domain.ProcessingResult) error {
	query := `
		INSERT INTO processing_results (email_id, status, started_at, routing_decision,
			action_taken, response_sent, escalation_created, escalation_ref,
			processing_time_ms, classification_time_ms, response_gen_time_ms,
			error_message, error_stage, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err := a.db.QueryRowContext(ctx, query,
		result.EmailID, string(result.Status), result.StartedAt.UTC(), string(result.RoutingDecision),
		result.ActionTaken, result.ResponseSent, result.EscalationCreated, result.EscalationRef,
		result.ProcessingTimeMS, result.ClassificationTimeMS, result.ResponseGenTimeMS,
		result.ErrorMessage, result.ErrorStage, result.RetryCount,
	).Scan(&result.ID)
	if err != nil {
		return apperr.DatabaseError("create processing result", err)
	}
	return nil
}

// Update rewrites an existing attempt in place.
func (a *ProcessingAdapter) Update(ctx context.Context, result *domain.ProcessingResult) error {
	var completedAt any
	if result.CompletedAt != nil {
		completedAt = result.CompletedAt.UTC()
	}

	query := `
		UPDATE processing_results
		SET status = $2, completed_at = $3, routing_decision = $4, action_taken = $5,
			response_sent = $6, escalation_created = $7, escalation_ref = $8,
			processing_time_ms = $9, classification_time_ms = $10, response_gen_time_ms = $11,
			error_message = $12, error_stage = $13, retry_count = $14
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query,
		result.ID, string(result.Status), completedAt, string(result.RoutingDecision), result.ActionTaken,
		result.ResponseSent, result.EscalationCreated, result.EscalationRef,
		result.ProcessingTimeMS, result.ClassificationTimeMS, result.ResponseGenTimeMS,
		result.ErrorMessage, result.ErrorStage, result.RetryCount,
	)
	if err != nil {
		return apperr.DatabaseError("update processing result", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound("processing result")
	}
	return nil
}

// GetLatestByEmailID returns the most recent attempt for an email.
func (a *ProcessingAdapter) GetLatestByEmailID(ctx context.Context, emailID string) (*domain.ProcessingResult, error) {
	var row processingRow
	query := `SELECT * FROM processing_results WHERE email_id = $1 ORDER BY id DESC LIMIT 1`

	if err := a.db.GetContext(ctx, &row, query, emailID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("processing result")
		}
		return nil, apperr.DatabaseError("get processing result", err)
	}
	return row.toEntity(), nil
}

// ReplySent reports whether any attempt for this email already sent a
// reply. Checked before every send so retries never double-reply.
func (a *ProcessingAdapter) ReplySent(ctx context.Context, emailID string) (bool, error) {
	var sent bool
	query := `SELECT EXISTS (SELECT 1 FROM processing_results WHERE email_id = $1 AND response_sent)`

	if err := a.db.GetContext(ctx, &sent, query, emailID); err != nil {
		return false, apperr.DatabaseError("reply sent", err)
	}
	return sent, nil
}
