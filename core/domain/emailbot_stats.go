package domain

import (
	"time"
)

// ProcessingStatistics aggregates processing outcomes over a window.
type ProcessingStatistics struct {
	Since          time.Time `json:"since"`
	TotalProcessed int       `json:"total_processed"`

	ByDecision         map[RoutingDecision]int `json:"by_decision"`
	ResponsesSent      int                     `json:"responses_sent"`
	EscalationsCreated int                     `json:"escalations_created"`
	Failures           int                     `json:"failures"`

	AvgProcessingTimeMS     float64 `json:"avg_processing_time_ms"`
	AvgClassificationTimeMS float64 `json:"avg_classification_time_ms"`
	AvgResponseGenTimeMS    float64 `json:"avg_response_gen_time_ms"`
}

// ClassificationStatistics aggregates verdicts and reviewer feedback
// over a window.
type ClassificationStatistics struct {
	Since time.Time `json:"since"`
	Total int       `json:"total"`

	ByCategory        map[EmailCategory]int `json:"by_category"`
	AverageConfidence float64               `json:"average_confidence"`

	// FeedbackAccuracy is correct/total over reviewed verdicts; zero
	// when nothing was reviewed.
	FeedbackTotal    int     `json:"feedback_total"`
	FeedbackCorrect  int     `json:"feedback_correct"`
	FeedbackAccuracy float64 `json:"feedback_accuracy"`
}

// AutomationCandidate is a frequent pattern worth automating.
type AutomationCandidate struct {
	PatternID           string      `json:"pattern_id"`
	Type                PatternType `json:"type"`
	Description         string      `json:"description"`
	Frequency           int         `json:"frequency"`
	AutomationPotential float64     `json:"automation_potential"`
	TimeSavingsEstimate string      `json:"time_savings_estimate,omitempty"`
}

// DashboardSnapshot is the one-call overview the dashboard endpoint serves.
type DashboardSnapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	Processing     *ProcessingStatistics     `json:"processing"`
	Classification *ClassificationStatistics `json:"classification"`

	EmailsByStatus    map[ProcessingStatus]int `json:"emails_by_status"`
	ActiveEscalations int                      `json:"active_escalations"`
	TopCandidates     []*AutomationCandidate   `json:"top_candidates,omitempty"`
}
