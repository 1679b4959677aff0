package security

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"emailbot/core/domain"
	"emailbot/pkg/logger"
)

type stubAudit struct {
	mu       sync.Mutex
	events   []*domain.AuditEvent
	security []*domain.SecurityEvent
}

func (a *stubAudit) Record(_ context.Context, e *domain.AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
	return nil
}

func (a *stubAudit) RecordSecurity(_ context.Context, e *domain.SecurityEvent) error {
	a.mu.Lock()
	a.security = append(a.security, e)
	a.mu.Unlock()
	return nil
}

func (a *stubAudit) RecordAuthAttempt(_ context.Context, _ *domain.AuthenticationAttempt) error {
	return nil
}

func (a *stubAudit) FailedAuthCount(_ context.Context, _ string, _ time.Time) (int, error) {
	return 0, nil
}

type stubPatterns struct {
	upserts []*domain.EmailPattern
}

func (p *stubPatterns) Upsert(_ context.Context, pattern *domain.EmailPattern) error {
	p.upserts = append(p.upserts, pattern)
	return nil
}

func (p *stubPatterns) GetByID(_ context.Context, _ string) (*domain.EmailPattern, error) {
	return nil, nil
}

func (p *stubPatterns) ListTop(_ context.Context, _ int) ([]*domain.EmailPattern, error) {
	return nil, nil
}

func newScreener(audit *stubAudit, patterns *stubPatterns) *Screener {
	return NewScreener(audit, patterns, 1000, logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard}))
}

func TestScreenCleanEmail(t *testing.T) {
	audit := &stubAudit{}
	s := newScreener(audit, nil)

	res := s.Screen(context.Background(), &domain.EmailMessage{
		ID:            "msg-1",
		SenderAddress: "user@corp.example",
		SenderName:    "User",
		Body:          "Please renew my license.",
	})
	if res.RiskScore != 0 || len(res.Flags) != 0 {
		t.Errorf("clean email scored %v with flags %v", res.RiskScore, res.Flags)
	}
	if len(audit.security) != 0 {
		t.Error("clean email should not raise security events")
	}
}

func TestScreenThreatMarkers(t *testing.T) {
	audit := &stubAudit{}
	s := newScreener(audit, nil)

	res := s.Screen(context.Background(), &domain.EmailMessage{
		ID:            "msg-2",
		SenderAddress: "attacker@evil.example",
		Body:          "Your password will expire. Click here immediately to verify your account.",
		Attachments:   []domain.Attachment{{Name: "invoice.exe", Size: 100}},
	})

	if res.RiskScore < 50 {
		t.Errorf("risk score = %v, want >= 50", res.RiskScore)
	}
	if len(audit.security) != 1 {
		t.Fatalf("expected one security event, got %d", len(audit.security))
	}
	if audit.security[0].Severity != domain.SeverityWarning {
		t.Errorf("severity = %s", audit.security[0].Severity)
	}
}

func TestScreenTruncatesAndAudits(t *testing.T) {
	audit := &stubAudit{}
	s := newScreener(audit, nil)

	email := &domain.EmailMessage{ID: "msg-3", Body: strings.Repeat("a", 5000)}
	res := s.Screen(context.Background(), email)

	if !res.Truncated {
		t.Fatal("oversized body should truncate")
	}
	if len(email.Body) != 1000 {
		t.Errorf("body length = %d, want 1000", len(email.Body))
	}
	if !email.BodyTruncated {
		t.Error("truncation flag should be set on the email")
	}
	if len(audit.events) != 1 || audit.events[0].Action != "body_truncated" {
		t.Error("truncation must be recorded in the audit trail")
	}
}

func TestSenderNameMismatch(t *testing.T) {
	if !mismatchedSender("real@evil.example", "ceo@corp.example") {
		t.Error("address-shaped display name from another domain should flag")
	}
	if mismatchedSender("user@corp.example", "Jane Doe") {
		t.Error("plain display names never flag")
	}
	if mismatchedSender("user@corp.example", "user@corp.example") {
		t.Error("matching domains never flag")
	}
}

func TestObservePatternsStableIDs(t *testing.T) {
	patterns := &stubPatterns{}
	s := newScreener(&stubAudit{}, patterns)

	email := func(id, subject string) *domain.EmailMessage {
		return &domain.EmailMessage{
			ID:            id,
			SenderAddress: "alerts@corp.example",
			Subject:       subject,
			ReceivedAt:    time.Now(),
		}
	}

	s.ObservePatterns(context.Background(), email("m1", "Backup job 1234 failed"))
	s.ObservePatterns(context.Background(), email("m2", "Re: Backup job 9876 failed"))

	if len(patterns.upserts) != 4 {
		t.Fatalf("expected 4 upserts (sender+subject twice), got %d", len(patterns.upserts))
	}
	// Same subject shape across different ticket numbers maps to one id.
	if patterns.upserts[1].PatternID != patterns.upserts[3].PatternID {
		t.Error("numeric differences should not change the subject pattern id")
	}
}

func TestSubjectSignature(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Re: Fwd: Server 42 down", "server # down"},
		{"Backup job 1234 failed", "backup job # failed"},
		{"plain subject", "plain subject"},
	}
	for _, tt := range tests {
		if got := subjectSignature(tt.in); got != tt.want {
			t.Errorf("subjectSignature(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
