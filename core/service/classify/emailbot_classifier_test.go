package classify

import (
	"context"
	"errors"
	"io"
	"testing"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/logger"
)

type stubLLM struct {
	resp *out.ClassifyResponse
	err  error
}

func (s *stubLLM) Classify(_ context.Context, _ *out.ClassifyRequest) (*out.ClassifyResponse, error) {
	return s.resp, s.err
}

func (s *stubLLM) GenerateReply(_ context.Context, _ *out.ClassifyRequest, _ string) (string, error) {
	return "", nil
}

func (s *stubLLM) PlanEscalation(_ context.Context, _ *out.ClassifyRequest, _, _ string) (*out.EscalationPlan, error) {
	return nil, nil
}

func testEmail() *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:            "msg-1",
		SenderAddress: "user@corp.example",
		Subject:       "VPN down",
		Body:          "Cannot connect since this morning.",
	}
}

func newClassifier(llm out.LLMClient) *Classifier {
	return NewClassifier(llm, logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard}))
}

func TestClassifyValidResponse(t *testing.T) {
	c := newClassifier(&stubLLM{resp: &out.ClassifyResponse{
		Category:        "SUPPORT",
		Confidence:      92,
		Reasoning:       "clear support request",
		Urgency:         "HIGH",
		SuggestedAction: "restart the VPN concentrator",
	}})

	got := c.Classify(context.Background(), testEmail())
	if got.Category != domain.CategorySupport {
		t.Errorf("category = %s", got.Category)
	}
	if got.Confidence != 92 {
		t.Errorf("confidence = %v", got.Confidence)
	}
	if got.Urgency != domain.UrgencyHigh {
		t.Errorf("urgency = %s", got.Urgency)
	}
}

func TestClassifyFallbackOnError(t *testing.T) {
	c := newClassifier(&stubLLM{err: errors.New("model unavailable")})

	got := c.Classify(context.Background(), testEmail())
	if got.Category != domain.CategoryInformation {
		t.Errorf("fallback category = %s", got.Category)
	}
	if got.Confidence != 0 {
		t.Errorf("fallback confidence = %v, want 0", got.Confidence)
	}
	if got.ModelID != "fallback" {
		t.Errorf("model id = %s", got.ModelID)
	}
}

func TestClassifyNormalizesUnknownEnums(t *testing.T) {
	c := newClassifier(&stubLLM{resp: &out.ClassifyResponse{
		Category:        "SPAM",
		Confidence:      80,
		Reasoning:       "looks promotional",
		Urgency:         "EXTREME",
		SuggestedAction: "ignore",
	}})

	got := c.Classify(context.Background(), testEmail())
	if got.Category != domain.CategoryInformation {
		t.Errorf("unknown category should normalize to INFORMATION, got %s", got.Category)
	}
	if got.Urgency != domain.UrgencyMedium {
		t.Errorf("unknown urgency should normalize to MEDIUM, got %s", got.Urgency)
	}
	// Unknown-but-present values do not cap confidence.
	if got.Confidence != 80 {
		t.Errorf("confidence = %v, want 80", got.Confidence)
	}
}

func TestClassifyCapsMissingFieldConfidence(t *testing.T) {
	c := newClassifier(&stubLLM{resp: &out.ClassifyResponse{
		Category:   "SUPPORT",
		Confidence: 95,
		// reasoning, urgency, suggested_action absent
	}})

	got := c.Classify(context.Background(), testEmail())
	if got.Confidence != missingFieldConfidenceCap {
		t.Errorf("confidence = %v, want cap %d", got.Confidence, missingFieldConfidenceCap)
	}
	if got.Urgency != domain.UrgencyMedium {
		t.Errorf("missing urgency default = %s", got.Urgency)
	}
	if got.SuggestedAction == "" {
		t.Error("missing suggested action should take a default")
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	c := newClassifier(&stubLLM{resp: &out.ClassifyResponse{
		Category:        "SUPPORT",
		Confidence:      150,
		Reasoning:       "x",
		Urgency:         "LOW",
		SuggestedAction: "y",
	}})

	if got := c.Classify(context.Background(), testEmail()); got.Confidence != 100 {
		t.Errorf("confidence = %v, want clamp to 100", got.Confidence)
	}
}

func TestClassifyLowercaseEnumAccepted(t *testing.T) {
	c := newClassifier(&stubLLM{resp: &out.ClassifyResponse{
		Category:        "purchasing",
		Confidence:      70,
		Reasoning:       "quote request",
		Urgency:         "low",
		SuggestedAction: "forward to procurement",
	}})

	got := c.Classify(context.Background(), testEmail())
	if got.Category != domain.CategoryPurchasing {
		t.Errorf("category = %s", got.Category)
	}
	if got.Urgency != domain.UrgencyLow {
		t.Errorf("urgency = %s", got.Urgency)
	}
}
