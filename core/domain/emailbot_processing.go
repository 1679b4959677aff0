package domain

import (
	"time"
)

// RoutingDecision is the action the router picked for an email.
type RoutingDecision string

const (
	RouteAutoReply    RoutingDecision = "AUTO_REPLY"
	RouteDraft        RoutingDecision = "DRAFT"
	RouteManualReview RoutingDecision = "MANUAL_REVIEW"
	RouteEscalate     RoutingDecision = "ESCALATE"
)

// ProcessingResult is the record of one processing attempt for an email.
// Most emails have exactly one; retries append new attempts.
type ProcessingResult struct {
	ID      int64  `json:"id"`
	EmailID string `json:"email_id"`

	Status      ProcessingStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	RoutingDecision   RoutingDecision `json:"routing_decision,omitempty"`
	ActionTaken       string          `json:"action_taken,omitempty"`
	ResponseSent      bool            `json:"response_sent"`
	EscalationCreated bool            `json:"escalation_created"`
	EscalationRef     *string         `json:"escalation_ref,omitempty"`

	ProcessingTimeMS     int64 `json:"processing_time_ms"`
	ClassificationTimeMS int64 `json:"classification_time_ms"`
	ResponseGenTimeMS    int64 `json:"response_gen_time_ms"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStage   string `json:"error_stage,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// Complete stamps the terminal status and completion time. CompletedAt
// never precedes StartedAt.
func (r *ProcessingResult) Complete(status ProcessingStatus, now time.Time) {
	if now.Before(r.StartedAt) {
		now = r.StartedAt
	}
	r.Status = status
	r.CompletedAt = &now
	r.ProcessingTimeMS = now.Sub(r.StartedAt).Milliseconds()
}

// AttachEscalation links a created escalation group. EscalationRef is
// non-null iff EscalationCreated.
func (r *ProcessingResult) AttachEscalation(groupID string) {
	r.EscalationCreated = true
	r.EscalationRef = &groupID
}
