// Package classify turns raw model verdicts into validated classifications.
package classify

import (
	"context"
	"strings"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/logger"
)

// missingFieldConfidenceCap bounds the confidence of a verdict that came
// back with required fields absent.
const missingFieldConfidenceCap = 25

// Classifier wraps the LLM client with normalization and fallback rules.
// It never returns an error for model failures; the caller always gets a
// usable classification.
type Classifier struct {
	llm out.LLMClient
	log *logger.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(llm out.LLMClient, log *logger.Logger) *Classifier {
	return &Classifier{llm: llm, log: log}
}

// Classify triages one email. On any LLM failure the fallback
// classification (INFORMATION, confidence 0) is returned so the router
// escalates instead of the pipeline dying.
func (c *Classifier) Classify(ctx context.Context, email *domain.EmailMessage) *domain.ClassificationResult {
	req := &out.ClassifyRequest{
		EmailID:    email.ID,
		Sender:     email.SenderAddress,
		SenderName: email.SenderName,
		Subject:    email.Subject,
		Body:       email.Body,
	}

	resp, err := c.llm.Classify(ctx, req)
	if err != nil {
		c.log.WithEmail(email.ID).WithError(err).Warn("classification failed, using fallback")
		result := domain.FallbackClassification(email.ID, err.Error())
		result.CreatedAt = time.Now().UTC()
		return result
	}

	result := c.normalize(email.ID, resp)
	result.CreatedAt = time.Now().UTC()
	return result
}

// normalize maps a raw verdict onto the closed domain sets. Unknown enum
// values and missing fields take safe defaults; a verdict with missing
// fields cannot claim high confidence.
func (c *Classifier) normalize(emailID string, resp *out.ClassifyResponse) *domain.ClassificationResult {
	result := &domain.ClassificationResult{
		EmailID:           emailID,
		Confidence:        resp.Confidence,
		Reasoning:         strings.TrimSpace(resp.Reasoning),
		SuggestedAction:   strings.TrimSpace(resp.SuggestedAction),
		RequiredExpertise: resp.RequiredExpertise,
		EstimatedEffort:   resp.EstimatedEffort,
		ModelID:           resp.ModelID,
		PromptVersion:     resp.PromptVersion,
		TokensUsed:        resp.TokensUsed,
	}

	missing := false

	category := domain.EmailCategory(strings.ToUpper(strings.TrimSpace(resp.Category)))
	switch {
	case category == "":
		result.Category = domain.CategoryInformation
		missing = true
	case !domain.ValidCategory(category):
		result.Category = domain.CategoryInformation
		result.Reasoning = appendReason(result.Reasoning, "normalized: unknown category "+resp.Category)
	default:
		result.Category = category
	}

	urgency := domain.Urgency(strings.ToUpper(strings.TrimSpace(resp.Urgency)))
	switch {
	case urgency == "":
		result.Urgency = domain.UrgencyMedium
		missing = true
	case !domain.ValidUrgency(urgency):
		result.Urgency = domain.UrgencyMedium
		result.Reasoning = appendReason(result.Reasoning, "normalized: unknown urgency "+resp.Urgency)
	default:
		result.Urgency = urgency
	}

	if result.Reasoning == "" {
		result.Reasoning = "no reasoning provided"
		missing = true
	}
	if result.SuggestedAction == "" {
		result.SuggestedAction = "manual review required"
		missing = true
	}

	result.ClampConfidence()
	if missing && result.Confidence > missingFieldConfidenceCap {
		result.Confidence = missingFieldConfidenceCap
	}

	return result
}

func appendReason(reasoning, note string) string {
	if reasoning == "" {
		return note
	}
	return reasoning + " (" + note + ")"
}
