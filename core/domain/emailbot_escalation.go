package domain

import (
	"time"
)

// EscalationStatus is the lifecycle state of an escalation group.
type EscalationStatus string

const (
	EscalationActive    EscalationStatus = "active"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationAbandoned EscalationStatus = "abandoned"
)

// EscalationGroup is a chat-platform group spun up for one escalated email.
// The group id comes from the chat platform and is unique.
type EscalationGroup struct {
	GroupID string `json:"group_id"`
	EmailID string `json:"email_id"`

	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"` // ordered, owner first
	Owner       string   `json:"owner"`

	Status          EscalationStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`

	// Engagement
	ResolutionTimeHours  float64 `json:"resolution_time_hours,omitempty"`
	MessageCount         int     `json:"message_count"`
	FirstResponseTimeMin float64 `json:"first_response_time_min,omitempty"`
	EngagementScore      float64 `json:"engagement_score,omitempty"`
}

// MemberCount returns the number of members; always >= 1 for a created group.
func (g *EscalationGroup) MemberCount() int {
	return len(g.Members)
}

// Resolve marks the group resolved. ResolvedAt is set iff status is resolved.
func (g *EscalationGroup) Resolve(notes string, now time.Time) {
	g.Status = EscalationResolved
	g.ResolvedAt = &now
	g.ResolutionNotes = notes
	g.ResolutionTimeHours = now.Sub(g.CreatedAt).Hours()
}
