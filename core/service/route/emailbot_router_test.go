package route

import (
	"testing"

	"emailbot/core/domain"
)

func TestDecisionTable(t *testing.T) {
	r := NewRouter(DefaultThresholds())

	tests := []struct {
		name       string
		urgency    domain.Urgency
		confidence float64
		want       domain.RoutingDecision
	}{
		{"critical with confident verdict escalates", domain.UrgencyCritical, 90, domain.RouteEscalate},
		{"high urgency at suggest boundary escalates", domain.UrgencyHigh, 60, domain.RouteEscalate},
		{"high urgency below suggest falls through", domain.UrgencyHigh, 59, domain.RouteManualReview},
		{"high confidence auto replies", domain.UrgencyLow, 85, domain.RouteAutoReply},
		{"just below auto drafts", domain.UrgencyLow, 84, domain.RouteDraft},
		{"suggest boundary drafts", domain.UrgencyMedium, 60, domain.RouteDraft},
		{"review boundary flags for review", domain.UrgencyMedium, 40, domain.RouteManualReview},
		{"below review escalates", domain.UrgencyLow, 39, domain.RouteEscalate},
		{"fallback confidence zero escalates", domain.UrgencyMedium, 0, domain.RouteEscalate},
		{"critical but unconfident escalates anyway", domain.UrgencyCritical, 10, domain.RouteEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &domain.ClassificationResult{Urgency: tt.urgency, Confidence: tt.confidence}
			if got := r.Decide(c); got != tt.want {
				t.Errorf("Decide(%s, %v) = %s, want %s", tt.urgency, tt.confidence, got, tt.want)
			}
		})
	}
}

func TestCustomThresholds(t *testing.T) {
	r := NewRouter(Thresholds{Auto: 95, Suggest: 80, Review: 50})

	c := &domain.ClassificationResult{Urgency: domain.UrgencyLow, Confidence: 90}
	if got := r.Decide(c); got != domain.RouteDraft {
		t.Errorf("90 under auto=95 should draft, got %s", got)
	}
}
