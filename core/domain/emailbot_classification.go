package domain

import (
	"time"
)

// EmailCategory is the closed set of triage categories.
type EmailCategory string

const (
	CategoryPurchasing   EmailCategory = "PURCHASING"
	CategorySupport      EmailCategory = "SUPPORT"
	CategoryInformation  EmailCategory = "INFORMATION"
	CategoryEscalation   EmailCategory = "ESCALATION"
	CategoryConsultation EmailCategory = "CONSULTATION"
)

// ValidCategory reports whether c belongs to the closed category set.
func ValidCategory(c EmailCategory) bool {
	switch c {
	case CategoryPurchasing, CategorySupport, CategoryInformation,
		CategoryEscalation, CategoryConsultation:
		return true
	}
	return false
}

// Urgency is the closed set of urgency levels.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// ValidUrgency reports whether u belongs to the closed urgency set.
func ValidUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// FeedbackValue is a human verdict on a classification.
type FeedbackValue string

const (
	FeedbackCorrect   FeedbackValue = "correct"
	FeedbackIncorrect FeedbackValue = "incorrect"
	FeedbackPartial   FeedbackValue = "partial"
)

// ValidFeedback reports whether v is an accepted feedback value.
func ValidFeedback(v FeedbackValue) bool {
	return v == FeedbackCorrect || v == FeedbackIncorrect || v == FeedbackPartial
}

// HumanFeedback records a reviewer's verdict on a stored classification.
type HumanFeedback struct {
	Value     FeedbackValue `json:"value"`
	Notes     string        `json:"notes,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ClassificationResult is the LLM's triage verdict, stored exactly once
// per email.
type ClassificationResult struct {
	ID      int64  `json:"id"`
	EmailID string `json:"email_id"`

	Category          EmailCategory `json:"category"`
	Confidence        float64       `json:"confidence"` // 0-100
	Reasoning         string        `json:"reasoning"`
	Urgency           Urgency       `json:"urgency"`
	SuggestedAction   string        `json:"suggested_action"`
	RequiredExpertise []string      `json:"required_expertise,omitempty"`
	EstimatedEffort   string        `json:"estimated_effort,omitempty"`

	// Provenance
	ModelID       string `json:"model_id"`
	PromptVersion string `json:"prompt_version"`
	TokensUsed    int    `json:"tokens_used"`

	HumanFeedback *HumanFeedback `json:"human_feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FallbackClassification is what the pipeline records when the LLM is
// unreachable or its output is unusable. Confidence zero forces the
// router to escalate.
func FallbackClassification(emailID, reason string) *ClassificationResult {
	return &ClassificationResult{
		EmailID:         emailID,
		Category:        CategoryInformation,
		Confidence:      0,
		Reasoning:       "fallback classification: " + reason,
		Urgency:         UrgencyMedium,
		SuggestedAction: "manual review required",
		ModelID:         "fallback",
	}
}

// ClampConfidence forces the confidence into [0,100].
func (c *ClassificationResult) ClampConfidence() {
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 100 {
		c.Confidence = 100
	}
}
