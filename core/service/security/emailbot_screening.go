// Package security screens inbound email before classification and tracks
// recurring patterns in the mail stream.
package security

import (
	"context"
	"strings"
	"time"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/logger"
)

// ScreenResult is the outcome of the validation stage. Screening never
// blocks processing; hits raise events and a risk score for the audit
// trail.
type ScreenResult struct {
	RiskScore float64  `json:"risk_score"` // 0-100
	Flags     []string `json:"flags,omitempty"`
	Truncated bool     `json:"truncated"`
}

// executableExtensions are attachment suffixes that raise the risk score.
var executableExtensions = []string{
	".exe", ".bat", ".cmd", ".scr", ".js", ".vbs", ".ps1", ".jar", ".msi",
}

// threatPhrases are body markers commonly seen in phishing mail.
var threatPhrases = []string{
	"verify your account",
	"password will expire",
	"click here immediately",
	"wire transfer",
	"gift card",
}

// Screener performs the validation stage and pattern bookkeeping.
type Screener struct {
	audit      out.AuditRepository
	patterns   out.PatternRepository
	maxBodyLen int
	log        *logger.Logger
}

// NewScreener creates a screener.
func NewScreener(audit out.AuditRepository, patterns out.PatternRepository, maxBodyLen int, log *logger.Logger) *Screener {
	return &Screener{audit: audit, patterns: patterns, maxBodyLen: maxBodyLen, log: log}
}

// Screen validates one email in place: truncates oversized bodies and
// scores threat markers. A WARNING security event is written when the
// risk score crosses 50.
func (s *Screener) Screen(ctx context.Context, email *domain.EmailMessage) *ScreenResult {
	result := &ScreenResult{}

	if email.TruncateBody(s.maxBodyLen) {
		result.Truncated = true
		s.recordAudit(ctx, email, "body_truncated", true, "")
	}

	lowerBody := strings.ToLower(email.Body)
	for _, phrase := range threatPhrases {
		if strings.Contains(lowerBody, phrase) {
			result.RiskScore += 20
			result.Flags = append(result.Flags, "phrase:"+phrase)
		}
	}

	for _, att := range email.Attachments {
		name := strings.ToLower(att.Name)
		for _, ext := range executableExtensions {
			if strings.HasSuffix(name, ext) {
				result.RiskScore += 40
				result.Flags = append(result.Flags, "attachment:"+att.Name)
			}
		}
	}

	if mismatchedSender(email.SenderAddress, email.SenderName) {
		result.RiskScore += 15
		result.Flags = append(result.Flags, "sender_name_mismatch")
	}

	if result.RiskScore > 100 {
		result.RiskScore = 100
	}

	if result.RiskScore >= 50 && s.audit != nil {
		_ = s.audit.RecordSecurity(ctx, &domain.SecurityEvent{
			EventType: "threat_pattern_hit",
			Severity:  domain.SeverityWarning,
			Source:    "screener",
			Details: map[string]any{
				"email_id":   email.ID,
				"sender":     email.SenderAddress,
				"risk_score": result.RiskScore,
				"flags":      result.Flags,
			},
			CreatedAt: time.Now().UTC(),
		})
	}

	return result
}

// ObservePatterns updates the recurring-pattern records for one email.
// Errors are logged and swallowed; pattern analysis is advisory.
func (s *Screener) ObservePatterns(ctx context.Context, email *domain.EmailMessage) {
	if s.patterns == nil {
		return
	}

	signatures := []struct {
		ptype     domain.PatternType
		signature string
		desc      string
	}{
		{domain.PatternSender, strings.ToLower(email.SenderAddress), "repeat sender " + email.SenderAddress},
		{domain.PatternSubject, subjectSignature(email.Subject), "recurring subject shape: " + subjectSignature(email.Subject)},
	}

	for _, sig := range signatures {
		if sig.signature == "" {
			continue
		}
		pattern := &domain.EmailPattern{
			PatternID:   domain.PatternID(sig.ptype, sig.signature),
			Type:        sig.ptype,
			Description: sig.desc,
		}
		pattern.Observe(email.ID, email.ReceivedAt)
		if err := s.patterns.Upsert(ctx, pattern); err != nil {
			s.log.WithEmail(email.ID).WithError(err).Warn("pattern upsert failed")
		}
	}
}

// RateLimitExceeded records a cooldown as a security event. Satisfies the
// limiter's notifier interface.
func (s *Screener) RateLimitExceeded(ctx context.Context, identifier string, until time.Time) {
	if s.audit == nil {
		return
	}
	_ = s.audit.RecordSecurity(ctx, &domain.SecurityEvent{
		EventType: "rate_limit_exceeded",
		Severity:  domain.SeverityWarning,
		Source:    identifier,
		Details: map[string]any{
			"identifier":     identifier,
			"cooldown_until": until.UTC().Format(time.RFC3339),
		},
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Screener) recordAudit(ctx context.Context, email *domain.EmailMessage, action string, success bool, errMsg string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, &domain.AuditEvent{
		EventType:    "email_screening",
		Action:       action,
		ResourceType: "email",
		ResourceID:   email.ID,
		Success:      success,
		Error:        errMsg,
		CreatedAt:    time.Now().UTC(),
	})
}

// mismatchedSender flags a display name that itself looks like an address
// from a different domain than the real sender.
func mismatchedSender(address, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.Contains(name, "@") {
		return false
	}
	addrDomain := domainOf(strings.ToLower(address))
	nameDomain := domainOf(name)
	return addrDomain != "" && nameDomain != "" && addrDomain != nameDomain
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return ""
}

// subjectSignature normalizes a subject down to its shape: reply prefixes
// dropped, digits collapsed, lowercased.
func subjectSignature(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, prefix := range []string{"re:", "fw:", "fwd:"} {
		for strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}

	var b strings.Builder
	lastDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			if !lastDigit {
				b.WriteByte('#')
				lastDigit = true
			}
			continue
		}
		lastDigit = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
