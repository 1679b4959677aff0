package domain

import (
	"time"
)

// PerformanceMetric is one append-only measurement row.
type PerformanceMetric struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`

	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`

	EmailID     *string           `json:"email_id,omitempty"`
	WindowStart *time.Time        `json:"window_start,omitempty"`
	WindowEnd   *time.Time        `json:"window_end,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"` // sum, avg, p95...
	Tags        map[string]string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
