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
// Stats Adapter
// =============================================================================

// StatsAdapter implements out.StatsRepository with read-only aggregates.
type StatsAdapter struct {
	db *sqlx.DB
}

// NewStatsAdapter creates a new StatsAdapter.
func NewStatsAdapter(db *sqlx.DB) *StatsAdapter {
	return &StatsAdapter{db: db}
}

// ProcessingStatistics aggregates processing attempts since the cutoff.
func (a *StatsAdapter) ProcessingStatistics(ctx context.Context, since time.Time) (*domain.ProcessingStatistics, error) {
	stats := &domain.ProcessingStatistics{
		Since:      since,
		ByDecision: make(map[domain.RoutingDecision]int),
	}

	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE response_sent),
			COUNT(*) FILTER (WHERE escalation_created),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(AVG(processing_time_ms), 0),
			COALESCE(AVG(classification_time_ms) FILTER (WHERE classification_time_ms > 0), 0),
			COALESCE(AVG(response_gen_time_ms) FILTER (WHERE response_gen_time_ms > 0), 0)
		FROM processing_results
		WHERE started_at >= $1`

	err := a.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&stats.TotalProcessed, &stats.ResponsesSent, &stats.EscalationsCreated, &stats.Failures,
		&stats.AvgProcessingTimeMS, &stats.AvgClassificationTimeMS, &stats.AvgResponseGenTimeMS,
	)
	if err != nil {
		return nil, apperr.DatabaseError("processing statistics", err)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT routing_decision, COUNT(*) FROM processing_results
		WHERE started_at >= $1 AND routing_decision <> ''
		GROUP BY routing_decision`, since.UTC())
	if err != nil {
		return nil, apperr.DatabaseError("processing statistics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, apperr.DatabaseError("processing statistics", err)
		}
		stats.ByDecision[domain.RoutingDecision(decision)] = count
	}
	return stats, rows.Err()
}

// ClassificationStatistics aggregates verdicts and feedback since the cutoff.
func (a *StatsAdapter) ClassificationStatistics(ctx context.Context, since time.Time) (*domain.ClassificationStatistics, error) {
	stats := &domain.ClassificationStatistics{
		Since:      since,
		ByCategory: make(map[domain.EmailCategory]int),
	}

	var avg sql.NullFloat64
	query := `
		SELECT COUNT(*), AVG(confidence),
			COUNT(feedback_value),
			COUNT(*) FILTER (WHERE feedback_value = 'correct')
		FROM classifications
		WHERE created_at >= $1`

	err := a.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&stats.Total, &avg, &stats.FeedbackTotal, &stats.FeedbackCorrect,
	)
	if err != nil {
		return nil, apperr.DatabaseError("classification statistics", err)
	}
	stats.AverageConfidence = avg.Float64
	if stats.FeedbackTotal > 0 {
		stats.FeedbackAccuracy = float64(stats.FeedbackCorrect) / float64(stats.FeedbackTotal)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM classifications
		WHERE created_at >= $1
		GROUP BY category`, since.UTC())
	if err != nil {
		return nil, apperr.DatabaseError("classification statistics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, apperr.DatabaseError("classification statistics", err)
		}
		stats.ByCategory[domain.EmailCategory(category)] = count
	}
	return stats, rows.Err()
}

// AutomationCandidates returns patterns frequent enough to automate,
// strongest first.
func (a *StatsAdapter) AutomationCandidates(ctx context.Context, minFrequency, limit int) ([]*domain.AutomationCandidate, error) {
	query := `
		SELECT pattern_id, type, description, frequency, automation_potential, time_savings_estimate
		FROM email_patterns
		WHERE frequency >= $1
		ORDER BY automation_potential DESC, frequency DESC
		LIMIT $2`

	rows, err := a.db.QueryContext(ctx, query, minFrequency, limit)
	if err != nil {
		return nil, apperr.DatabaseError("automation candidates", err)
	}
	defer rows.Close()

	var candidates []*domain.AutomationCandidate
	for rows.Next() {
		c := &domain.AutomationCandidate{}
		var ptype string
		if err := rows.Scan(&c.PatternID, &ptype, &c.Description, &c.Frequency,
			&c.AutomationPotential, &c.TimeSavingsEstimate); err != nil {
			return nil, apperr.DatabaseError("automation candidates", err)
		}
		c.Type = domain.PatternType(ptype)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// DashboardSnapshot assembles the overview served by the dashboard endpoint.
func (a *StatsAdapter) DashboardSnapshot(ctx context.Context, since time.Time) (*domain.DashboardSnapshot, error) {
	processing, err := a.ProcessingStatistics(ctx, since)
	if err != nil {
		return nil, err
	}
	classification, err := a.ClassificationStatistics(ctx, since)
	if err != nil {
		return nil, err
	}
	candidates, err := a.AutomationCandidates(ctx, 3, 10)
	if err != nil {
		return nil, err
	}

	snapshot := &domain.DashboardSnapshot{
		GeneratedAt:    time.Now().UTC(),
		Processing:     processing,
		Classification: classification,
		EmailsByStatus: make(map[domain.ProcessingStatus]int),
		TopCandidates:  candidates,
	}

	if err := a.db.GetContext(ctx, &snapshot.ActiveEscalations,
		`SELECT COUNT(*) FROM escalations WHERE status = 'active'`); err != nil {
		return nil, apperr.DatabaseError("dashboard snapshot", err)
	}

	rows, err := a.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM emails GROUP BY status`)
	if err != nil {
		return nil, apperr.DatabaseError("dashboard snapshot", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.DatabaseError("dashboard snapshot", err)
		}
		snapshot.EmailsByStatus[domain.ProcessingStatus(status)] = count
	}
	return snapshot, rows.Err()
}
