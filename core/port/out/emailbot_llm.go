package out

import (
	"context"
)

// ClassifyRequest carries the email fields the model sees.
type ClassifyRequest struct {
	EmailID    string `json:"email_id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// ClassifyResponse is the parsed model verdict before domain validation.
type ClassifyResponse struct {
	Category          string   `json:"category"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	Urgency           string   `json:"urgency"`
	SuggestedAction   string   `json:"suggested_action"`
	RequiredExpertise []string `json:"required_expertise"`
	EstimatedEffort   string   `json:"estimated_effort"`

	ModelID       string `json:"-"`
	PromptVersion string `json:"-"`
	TokensUsed    int    `json:"-"`
}

// EscalationPlan is the model's staffing proposal for an escalation.
type EscalationPlan struct {
	TeamMembers             []string `json:"team_members"` // role tags
	Priority                string   `json:"priority"`
	EstimatedResolutionTime string   `json:"estimated_resolution_time"`
	SuggestedInitialActions []string `json:"suggested_initial_actions"`
	ResourcesNeeded         []string `json:"resources_needed"`
	EscalationReason        string   `json:"escalation_reason"`
}

// LLMClient is the outbound port to the language model platform.
type LLMClient interface {
	// Classify triages one email. Unusable model output surfaces as a
	// ParseError; callers substitute the fallback classification.
	Classify(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error)

	// GenerateReply drafts a reply for an email in the given category.
	GenerateReply(ctx context.Context, req *ClassifyRequest, category string) (string, error)

	// PlanEscalation proposes staffing for an escalation.
	PlanEscalation(ctx context.Context, req *ClassifyRequest, category, urgency string) (*EscalationPlan, error)
}
