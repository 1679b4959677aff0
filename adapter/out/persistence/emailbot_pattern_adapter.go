package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
)

// =============================================================================
// Pattern Adapter
// =============================================================================

// PatternAdapter implements out.PatternRepository.
type PatternAdapter struct {
	db *sqlx.DB
}

// NewPatternAdapter creates a new PatternAdapter.
func NewPatternAdapter(db *sqlx.DB) *PatternAdapter {
	return &PatternAdapter{db: db}
}

type patternRow struct {
	PatternID           string         `db:"pattern_id"`
	Type                string         `db:"type"`
	Description         string         `db:"description"`
	Frequency           int            `db:"frequency"`
	FirstSeen           time.Time      `db:"first_seen"`
	LastSeen            time.Time      `db:"last_seen"`
	AutomationPotential float64        `db:"automation_potential"`
	SampleEmailIDs      pq.StringArray `db:"sample_email_ids"`
	CommonKeywords      pq.StringArray `db:"common_keywords"`
	TimeSavingsEstimate string         `db:"time_savings_estimate"`
}

func (r *patternRow) toEntity() *domain.EmailPattern {
	return &domain.EmailPattern{
		PatternID:           r.PatternID,
		Type:                domain.PatternType(r.Type),
		Description:         r.Description,
		Frequency:           r.Frequency,
		FirstSeen:           r.FirstSeen,
		LastSeen:            r.LastSeen,
		AutomationPotential: r.AutomationPotential,
		SampleEmailIDs:      r.SampleEmailIDs,
		CommonKeywords:      r.CommonKeywords,
		TimeSavingsEstimate: r.TimeSavingsEstimate,
	}
}

// Upsert records one sighting of a pattern. On conflict the stored
// frequency is incremented in the database, so concurrent workers never
// lose counts, and the seen window only widens.
func (a *PatternAdapter) Upsert(ctx context.Context, pattern *domain.EmailPattern) error {
	query := `
		INSERT INTO email_patterns (pattern_id, type, description, frequency, first_seen,
			last_seen, automation_potential, sample_email_ids, common_keywords, time_savings_estimate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pattern_id) DO UPDATE SET
			frequency            = email_patterns.frequency + 1,
			first_seen           = LEAST(email_patterns.first_seen, EXCLUDED.first_seen),
			last_seen            = GREATEST(email_patterns.last_seen, EXCLUDED.last_seen),
			description          = EXCLUDED.description,
			automation_potential = EXCLUDED.automation_potential,
			sample_email_ids     = EXCLUDED.sample_email_ids,
			common_keywords      = EXCLUDED.common_keywords,
			time_savings_estimate = EXCLUDED.time_savings_estimate`

	_, err := a.db.ExecContext(ctx, query,
		pattern.PatternID, string(pattern.Type), pattern.Description, pattern.Frequency,
		pattern.FirstSeen.UTC(), pattern.LastSeen.UTC(), pattern.AutomationPotential,
		pq.Array(pattern.SampleEmailIDs), pq.Array(pattern.CommonKeywords), pattern.TimeSavingsEstimate,
	)
	if err != nil {
		return apperr.DatabaseError("upsert pattern", err)
	}
	return nil
}

// GetByID retrieves one pattern.
func (a *PatternAdapter) GetByID(ctx context.Context, patternID string) (*domain.EmailPattern, error) {
	var row patternRow
	query := `SELECT * FROM email_patterns WHERE pattern_id = $1`

	if err := a.db.GetContext(ctx, &row, query, patternID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("pattern")
		}
		return nil, apperr.DatabaseError("get pattern", err)
	}
	return row.toEntity(), nil
}

// ListTop returns the most frequent patterns.
func (a *PatternAdapter) ListTop(ctx context.Context, limit int) ([]*domain.EmailPattern, error) {
	var rows []patternRow
	query := `SELECT * FROM email_patterns ORDER BY frequency DESC, last_seen DESC LIMIT $1`

	if err := a.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, apperr.DatabaseError("list patterns", err)
	}

	patterns := make([]*domain.EmailPattern, 0, len(rows))
	for i := range rows {
		patterns = append(patterns, rows[i].toEntity())
	}
	return patterns, nil
}
