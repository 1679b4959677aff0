package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PatternType categorizes a recurring email pattern.
type PatternType string

const (
	PatternSubject  PatternType = "subject"
	PatternSender   PatternType = "sender"
	PatternContent  PatternType = "content"
	PatternTiming   PatternType = "timing"
	PatternWorkflow PatternType = "workflow"
)

// EmailPattern is a recurring shape in the mail stream, tracked for
// automation candidates. PatternID is derived from the signature, so the
// same pattern always maps to the same row.
type EmailPattern struct {
	PatternID   string      `json:"pattern_id"`
	Type        PatternType `json:"type"`
	Description string      `json:"description"`

	Frequency int       `json:"frequency"` // monotonic non-decreasing
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	AutomationPotential float64  `json:"automation_potential"` // 0-100
	SampleEmailIDs      []string `json:"sample_email_ids,omitempty"`
	CommonKeywords      []string `json:"common_keywords,omitempty"`
	TimeSavingsEstimate string   `json:"time_savings_estimate,omitempty"`
}

// PatternID derives the stable id for a pattern signature.
func PatternID(ptype PatternType, signature string) string {
	sum := sha256.Sum256([]byte(string(ptype) + ":" + signature))
	return hex.EncodeToString(sum[:16])
}

// Observe records one more sighting. LastSeen never moves backwards.
func (p *EmailPattern) Observe(emailID string, seen time.Time) {
	p.Frequency++
	if seen.After(p.LastSeen) {
		p.LastSeen = seen
	}
	if p.FirstSeen.IsZero() || seen.Before(p.FirstSeen) {
		p.FirstSeen = seen
	}
	if len(p.SampleEmailIDs) < 10 {
		p.SampleEmailIDs = append(p.SampleEmailIDs, emailID)
	}
}
