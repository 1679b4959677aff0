package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
	"emailbot/pkg/crypto"
)

// =============================================================================
// Classification Adapter
// =============================================================================

// ClassificationAdapter implements out.ClassificationRepository. The
// reasoning column is encrypted because it quotes email content.
type ClassificationAdapter struct {
	db   *sqlx.DB
	keys *crypto.KeyRing
}

// NewClassificationAdapter creates a new ClassificationAdapter.
func NewClassificationAdapter(db *sqlx.DB, keys *crypto.KeyRing) *ClassificationAdapter {
	return &ClassificationAdapter{db: db, keys: keys}
}

type classificationRow struct {
	ID                int64          `db:"id"`
	EmailID           string         `db:"email_id"`
	Category          string         `db:"category"`
	Confidence        float64        `db:"confidence"`
	Reasoning         string         `db:"reasoning"`
	Urgency           string         `db:"urgency"`
	SuggestedAction   string         `db:"suggested_action"`
	RequiredExpertise pq.StringArray `db:"required_expertise"`
	EstimatedEffort   string         `db:"estimated_effort"`
	ModelID           string         `db:"model_id"`
	PromptVersion     string         `db:"prompt_version"`
	TokensUsed        int            `db:"tokens_used"`
	FeedbackValue     sql.NullString `db:"feedback_value"`
	FeedbackNotes     sql.NullString `db:"feedback_notes"`
	FeedbackAt        sql.NullTime   `db:"feedback_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r *classificationRow) toEntity(keys *crypto.KeyRing) (*domain.ClassificationResult, error) {
	reasoning, err := keys.DecryptString(r.Reasoning)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	result := &domain.ClassificationResult{
		ID:                r.ID,
		EmailID:           r.EmailID,
		Category:          domain.EmailCategory(r.Category),
		Confidence:        r.Confidence,
		Reasoning:         reasoning,
		Urgency:           domain.Urgency(r.Urgency),
		SuggestedAction:   r.SuggestedAction,
		RequiredExpertise: r.RequiredExpertise,
		EstimatedEffort:   r.EstimatedEffort,
		ModelID:           r.ModelID,
		PromptVersion:     r.PromptVersion,
		TokensUsed:        r.TokensUsed,
		CreatedAt:         r.CreatedAt,
	}
	if r.FeedbackValue.Valid {
		result.HumanFeedback = &domain.HumanFeedback{
			Value: domain.FeedbackValue(r.FeedbackValue.String),
			Notes: r.FeedbackNotes.String,
		}
		if r.FeedbackAt.Valid {
			result.HumanFeedback.Timestamp = r.FeedbackAt.Time
		}
	}
	return result, nil
}

// Create stores the verdict. A second classification for the same email
// is a Conflict; the first verdict wins.
func (a *ClassificationAdapter) Create(ctx context.Context, result *domain.ClassificationResult) error {
	reasoning, err := a.keys.EncryptString(result.Reasoning)
	if err != nil {
		return apperr.InternalWithError(err)
	}

	query := `
		INSERT INTO classifications (email_id, category, confidence, reasoning, urgency,
			suggested_action, required_expertise, estimated_effort, model_id, prompt_version, tokens_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (email_id) DO NOTHING
		RETURNING id`

	err = a.db.QueryRowContext(ctx, query,
		result.EmailID, string(result.Category), result.Confidence, reasoning, string(result.Urgency),
		result.SuggestedAction, pq.Array(result.RequiredExpertise), result.EstimatedEffort,
		result.ModelID, result.PromptVersion, result.TokensUsed,
	).Scan(&result.ID)
	if err == sql.ErrNoRows {
		return apperr.Conflict("classification already stored for email: " + result.EmailID)
	}
	if err != nil {
		return apperr.DatabaseError("create classification", err)
	}
	return nil
}

// GetByEmailID retrieves the verdict for one email.
func (a *ClassificationAdapter) GetByEmailID(ctx context.Context, emailID string) (*domain.ClassificationResult, error) {
	var row classificationRow
	query := `SELECT * FROM classifications WHERE email_id = $1`

	if err := a.db.GetContext(ctx, &row, query, emailID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("classification")
		}
		return nil, apperr.DatabaseError("get classification", err)
	}
	return row.toEntity(a.keys)
}

// RecordFeedback attaches a reviewer verdict to a stored classification.
func (a *ClassificationAdapter) RecordFeedback(ctx context.Context, emailID string, feedback *domain.HumanFeedback) error {
	query := `
		UPDATE classifications
		SET feedback_value = $2, feedback_notes = $3, feedback_at = $4
		WHERE email_id = $1`

	result, err := a.db.ExecContext(ctx, query,
		emailID, string(feedback.Value), feedback.Notes, feedback.Timestamp.UTC())
	if err != nil {
		return apperr.DatabaseError("record feedback", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("classification")
	}
	return nil
}

// CategoryCounts returns verdict counts per category since the cutoff.
func (a *ClassificationAdapter) CategoryCounts(ctx context.Context, since time.Time) (map[domain.EmailCategory]int, error) {
	query := `
		SELECT category, COUNT(*) FROM classifications
		WHERE created_at >= $1
		GROUP BY category`

	rows, err := a.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, apperr.DatabaseError("category counts", err)
	}
	defer rows.Close()

	counts := make(map[domain.EmailCategory]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, apperr.DatabaseError("category counts", err)
		}
		counts[domain.EmailCategory(category)] = count
	}
	return counts, rows.Err()
}

// AverageConfidence returns the mean confidence since the cutoff, or
// zero when nothing was classified.
func (a *ClassificationAdapter) AverageConfidence(ctx context.Context, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	query := `SELECT AVG(confidence) FROM classifications WHERE created_at >= $1`

	if err := a.db.GetContext(ctx, &avg, query, since.UTC()); err != nil {
		return 0, apperr.DatabaseError("average confidence", err)
	}
	return avg.Float64, nil
}
