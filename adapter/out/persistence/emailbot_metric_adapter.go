package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"emailbot/core/domain"
	"emailbot/pkg/apperr"
)

// =============================================================================
// Metric Adapter
// =============================================================================

// MetricAdapter implements out.MetricRepository.
type MetricAdapter struct {
	db *sqlx.DB
}

// NewMetricAdapter creates a new MetricAdapter.
func NewMetricAdapter(db *sqlx.DB) *MetricAdapter {
	return &MetricAdapter{db: db}
}

type metricRow struct {
	ID          int64          `db:"id"`
	Type        string         `db:"type"`
	Name        string         `db:"name"`
	Category    string         `db:"category"`
	Value       float64        `db:"value"`
	Unit        string         `db:"unit"`
	EmailID     sql.NullString `db:"email_id"`
	WindowStart sql.NullTime   `db:"window_start"`
	WindowEnd   sql.NullTime   `db:"window_end"`
	Aggregation string         `db:"aggregation"`
	Tags        []byte         `db:"tags"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *metricRow) toEntity() *domain.PerformanceMetric {
	metric := &domain.PerformanceMetric{
		ID:          r.ID,
		Type:        r.Type,
		Name:        r.Name,
		Category:    r.Category,
		Value:       r.Value,
		Unit:        r.Unit,
		Aggregation: r.Aggregation,
		CreatedAt:   r.CreatedAt,
	}
	if r.EmailID.Valid {
		id := r.EmailID.String
		metric.EmailID = &id
	}
	if r.WindowStart.Valid {
		metric.WindowStart = &r.WindowStart.Time
	}
	if r.WindowEnd.Valid {
		metric.WindowEnd = &r.WindowEnd.Time
	}
	if len(r.Tags) > 0 {
		_ = json.Unmarshal(r.Tags, &metric.Tags)
	}
	return metric
}

// Record appends one measurement.
func (a *MetricAdapter) Record(ctx context.Context, metric *domain.PerformanceMetric) error {
	tags := []byte("{}")
	if len(metric.Tags) > 0 {
		var err error
		if tags, err = json.Marshal(metric.Tags); err != nil {
			return apperr.InternalWithError(err)
		}
	}

	var windowStart, windowEnd any
	if metric.WindowStart != nil {
		windowStart = metric.WindowStart.UTC()
	}
	if metric.WindowEnd != nil {
		windowEnd = metric.WindowEnd.UTC()
	}

	query := `
		INSERT INTO performance_metrics (type, name, category, value, unit, email_id,
			window_start, window_end, aggregation, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := a.db.ExecContext(ctx, query,
		metric.Type, metric.Name, metric.Category, metric.Value, metric.Unit, metric.EmailID,
		windowStart, windowEnd, metric.Aggregation, tags,
	)
	if err != nil {
		return apperr.DatabaseError("record metric", err)
	}
	return nil
}

// ListByType returns measurements of one type since the cutoff, newest first.
func (a *MetricAdapter) ListByType(ctx context.Context, metricType string, since time.Time, limit int) ([]*domain.PerformanceMetric, error) {
	var rows []metricRow
	query := `
		SELECT * FROM performance_metrics
		WHERE type = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3`

	if err := a.db.SelectContext(ctx, &rows, query, metricType, since.UTC(), limit); err != nil {
		return nil, apperr.DatabaseError("list metrics", err)
	}

	metrics := make([]*domain.PerformanceMetric, 0, len(rows))
	for i := range rows {
		metrics = append(metrics, rows[i].toEntity())
	}
	return metrics, nil
}
