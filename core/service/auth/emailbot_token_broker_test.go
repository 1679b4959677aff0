package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"emailbot/core/domain"
	"emailbot/pkg/logger"
)

// =============================================================================
// Stubs
// =============================================================================

type stubSource struct {
	mu    sync.Mutex
	calls int
	token *oauth2.Token
	err   error
	delay time.Duration
}

func (s *stubSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.token, s.err
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: make(map[string]string)} }

func (c *memCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(_ context.Context, key, value string, _ time.Duration) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

func (c *memCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

func (c *memCache) Exists(_ context.Context, key string) bool {
	_, ok := c.Get(context.Background(), key)
	return ok
}

func (c *memCache) MarkSeen(_ context.Context, _ string) {}
func (c *memCache) WasSeen(_ context.Context, _ string) bool {
	return false
}

type stubAudit struct {
	mu       sync.Mutex
	attempts []*domain.AuthenticationAttempt
	security []*domain.SecurityEvent
	failed   int
}

func (a *stubAudit) Record(_ context.Context, _ *domain.AuditEvent) error { return nil }

func (a *stubAudit) RecordSecurity(_ context.Context, e *domain.SecurityEvent) error {
	a.mu.Lock()
	a.security = append(a.security, e)
	a.mu.Unlock()
	return nil
}

func (a *stubAudit) RecordAuthAttempt(_ context.Context, att *domain.AuthenticationAttempt) error {
	a.mu.Lock()
	a.attempts = append(a.attempts, att)
	a.mu.Unlock()
	return nil
}

func (a *stubAudit) FailedAuthCount(_ context.Context, _ string, _ time.Time) (int, error) {
	return a.failed, nil
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig() *Config {
	return &Config{
		TenantID:          "tenant-1",
		ClientID:          "client-1",
		ClientSecret:      "secret",
		Authority:         "https://login.microsoftonline.com",
		Scope:             "https://graph.microsoft.com/.default",
		CacheTTL:          time.Hour,
		MaxFailedAttempts: 3,
		LockoutDuration:   15 * time.Minute,
	}
}

func testBroker(src *stubSource, audit *stubAudit) *TokenBroker {
	b := NewTokenBroker(testConfig(), newMemCache(), audit, logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard}))
	b.source = src
	return b
}

// unsignedJWT builds a token with the given claims and a fake signature;
// only claim inspection happens in tests.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func validClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"aud": "https://graph.microsoft.com",
		"iss": "https://login.microsoftonline.com/tenant-1/v2.0",
		"tid": "tenant-1",
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestGetTokenAcquiresAndCaches(t *testing.T) {
	src := &stubSource{token: &oauth2.Token{
		AccessToken: "tok-1",
		Expiry:      time.Now().Add(time.Hour),
	}}
	b := testBroker(src, &stubAudit{})

	tok, err := b.GetToken(context.Background())
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Errorf("token = %s", tok.AccessToken)
	}

	// Second call hits the in-memory token.
	if _, err := b.GetToken(context.Background()); err != nil {
		t.Fatalf("second GetToken: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("platform called %d times, want 1", src.calls)
	}
}

func TestGetTokenRefreshesNearExpiry(t *testing.T) {
	src := &stubSource{token: &oauth2.Token{
		AccessToken: "tok-short",
		Expiry:      time.Now().Add(2 * time.Minute), // inside the 5 min buffer
	}}
	b := testBroker(src, &stubAudit{})

	b.GetToken(context.Background())
	b.GetToken(context.Background())

	// A token inside the buffer is never reused.
	if src.calls != 2 {
		t.Errorf("platform called %d times, want 2", src.calls)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	src := &stubSource{
		token: &oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)},
		delay: 50 * time.Millisecond,
	}
	b := testBroker(src, &stubAudit{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.GetToken(context.Background()); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.calls != 1 {
		t.Errorf("concurrent refreshes made %d platform calls, want 1", src.calls)
	}
}

func TestAcquireFailureRecordsAttempt(t *testing.T) {
	audit := &stubAudit{}
	src := &stubSource{err: errors.New("invalid_client")}
	b := testBroker(src, audit)

	if _, err := b.GetToken(context.Background()); err == nil {
		t.Fatal("expected acquisition error")
	}
	if len(audit.attempts) != 1 || audit.attempts[0].Success {
		t.Errorf("expected one failed attempt, got %+v", audit.attempts)
	}
	if len(audit.security) != 1 {
		t.Errorf("failed auth should raise a security event")
	}
}

func TestLockoutBlocksAcquisition(t *testing.T) {
	audit := &stubAudit{failed: 3}
	src := &stubSource{token: &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	b := testBroker(src, audit)

	if _, err := b.GetToken(context.Background()); err == nil {
		t.Fatal("locked-out identifier must not acquire a token")
	}
	if src.calls != 0 {
		t.Errorf("lockout should prevent platform calls, saw %d", src.calls)
	}
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	b := testBroker(&stubSource{}, &stubAudit{})

	res := b.Validate(unsignedJWT(t, validClaims()))
	if !res.Valid {
		t.Fatalf("expected valid, got reason %q checks %v", res.Reason, res.Checks)
	}
}

func TestValidateRejections(t *testing.T) {
	b := testBroker(&stubSource{}, &stubAudit{})

	tests := []struct {
		name   string
		mutate func(map[string]any)
		check  string
	}{
		{"expired", func(c map[string]any) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, "exp"},
		{"stale iat", func(c map[string]any) { c["iat"] = time.Now().Add(-48 * time.Hour).Unix() }, "iat"},
		{"wrong audience", func(c map[string]any) { c["aud"] = "https://other.example" }, "aud"},
		{"wrong issuer", func(c map[string]any) { c["iss"] = "https://evil.example/tenant-1" }, "iss"},
		{"wrong tenant", func(c map[string]any) { c["tid"] = "tenant-2" }, "tid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(claims)
			res := b.Validate(unsignedJWT(t, claims))
			if res.Valid {
				t.Fatal("expected invalid")
			}
			if res.Checks[tt.check] {
				t.Errorf("check %q should fail, checks = %v", tt.check, res.Checks)
			}
		})
	}
}

func TestValidateGarbageToken(t *testing.T) {
	b := testBroker(&stubSource{}, &stubAudit{})
	if res := b.Validate("not-a-jwt"); res.Valid {
		t.Error("garbage should not validate")
	}
}
