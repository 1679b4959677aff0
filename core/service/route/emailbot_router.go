// Package route maps classifications onto pipeline actions.
package route

import (
	"emailbot/core/domain"
)

// Thresholds are the confidence boundaries, all on the 0-100 scale.
// Config validation guarantees auto >= suggest >= review.
type Thresholds struct {
	Auto    float64
	Suggest float64
	Review  float64
}

// DefaultThresholds returns the standard boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Auto: 85, Suggest: 60, Review: 40}
}

// Router picks the action for a classification. Pure and stateless.
type Router struct {
	thresholds Thresholds
}

// NewRouter creates a router.
func NewRouter(t Thresholds) *Router {
	return &Router{thresholds: t}
}

// Decide applies the decision table; the first matching row wins.
//
//	urgent (CRITICAL/HIGH) and confidence >= suggest  -> ESCALATE
//	confidence >= auto                                -> AUTO_REPLY
//	confidence >= suggest                             -> DRAFT
//	confidence >= review                              -> MANUAL_REVIEW
//	otherwise                                         -> ESCALATE
func (r *Router) Decide(c *domain.ClassificationResult) domain.RoutingDecision {
	urgent := c.Urgency == domain.UrgencyCritical || c.Urgency == domain.UrgencyHigh

	switch {
	case urgent && c.Confidence >= r.thresholds.Suggest:
		return domain.RouteEscalate
	case c.Confidence >= r.thresholds.Auto:
		return domain.RouteAutoReply
	case c.Confidence >= r.thresholds.Suggest:
		return domain.RouteDraft
	case c.Confidence >= r.thresholds.Review:
		return domain.RouteManualReview
	default:
		return domain.RouteEscalate
	}
}
