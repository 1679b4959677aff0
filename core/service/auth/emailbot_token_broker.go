// Package auth acquires and validates platform access tokens.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"emailbot/core/domain"
	"emailbot/core/port/out"
	"emailbot/pkg/apperr"
	"emailbot/pkg/cache"
	"emailbot/pkg/logger"
)

// expiryBuffer: a token expiring within this window counts as expired.
const expiryBuffer = 5 * time.Minute

// maxTokenAge bounds how old an iat claim may be during validation.
const maxTokenAge = 24 * time.Hour

// Token is an acquired access token with its parsed claims.
type Token struct {
	AccessToken string         `json:"access_token"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Claims      map[string]any `json:"claims,omitempty"`
}

// Valid reports whether the token outlives the expiry buffer.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Until(t.ExpiresAt) > expiryBuffer
}

// ValidationResult is the outcome of claim inspection.
type ValidationResult struct {
	Valid  bool            `json:"valid"`
	Reason string          `json:"reason,omitempty"`
	Claims jwt.MapClaims   `json:"claims,omitempty"`
	Checks map[string]bool `json:"checks"`
}

// Config holds broker configuration.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Authority    string // e.g. https://login.microsoftonline.com
	Scope        string

	CacheTTL          time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// TokenBroker acquires tokens via the client-credentials grant and caches
// them. Concurrent refreshes for the same identifier coalesce into one
// platform call.
type TokenBroker struct {
	cfg    *Config
	source oauth2.TokenSource
	cache  out.Cache
	audit  out.AuditRepository
	log    *logger.Logger

	mu       sync.Mutex
	current  *Token
	inFlight *refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token *Token
	err   error
}

// NewTokenBroker creates a broker. The audit repository may be nil in
// tests; lockout accounting is then skipped.
func NewTokenBroker(cfg *Config, cacheClient out.Cache, audit out.AuditRepository, log *logger.Logger) *TokenBroker {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.Authority, "/"), cfg.TenantID),
		Scopes:       []string{cfg.Scope},
	}
	return &TokenBroker{
		cfg:    cfg,
		source: cc.TokenSource(context.Background()),
		cache:  cacheClient,
		audit:  audit,
		log:    log,
	}
}

// GetToken returns a token valid for at least the expiry buffer. Order:
// in-memory, cache, then a coalesced platform acquisition.
func (b *TokenBroker) GetToken(ctx context.Context) (*Token, error) {
	b.mu.Lock()
	if b.current.Valid() {
		t := b.current
		b.mu.Unlock()
		return t, nil
	}
	b.mu.Unlock()

	if t := b.fromCache(ctx); t.Valid() {
		b.mu.Lock()
		b.current = t
		b.mu.Unlock()
		return t, nil
	}

	return b.refresh(ctx)
}

// Refresh forces re-acquisition. Client-credentials mode has no refresh
// tokens; refresh is a new grant.
func (b *TokenBroker) Refresh(ctx context.Context) (*Token, error) {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	b.cache.Delete(ctx, b.cacheKey())
	return b.refresh(ctx)
}

// refresh coalesces concurrent callers onto one platform call.
func (b *TokenBroker) refresh(ctx context.Context) (*Token, error) {
	b.mu.Lock()
	if b.current.Valid() {
		t := b.current
		b.mu.Unlock()
		return t, nil
	}
	if b.inFlight != nil {
		call := b.inFlight
		b.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	b.inFlight = call
	b.mu.Unlock()

	token, err := b.acquire(ctx)

	b.mu.Lock()
	call.token, call.err = token, err
	if err == nil {
		b.current = token
	}
	b.inFlight = nil
	b.mu.Unlock()
	close(call.done)

	return token, err
}

func (b *TokenBroker) acquire(ctx context.Context) (*Token, error) {
	identifier := b.cfg.ClientID

	if locked, until := b.lockedOut(ctx, identifier); locked {
		return nil, apperr.LockedOut(identifier).WithDetail("locked_until", until)
	}

	raw, err := b.source.Token()
	if err != nil {
		b.recordAttempt(ctx, identifier, false, err.Error())
		return nil, apperr.AuthExpired(err)
	}

	token := &Token{
		AccessToken: raw.AccessToken,
		ExpiresAt:   raw.Expiry,
	}
	if claims, ok := decodeClaims(raw.AccessToken); ok {
		token.Claims = claims
	}

	b.recordAttempt(ctx, identifier, true, "")
	b.toCache(ctx, token)

	b.log.WithField("expires_at", token.ExpiresAt.UTC().Format(time.RFC3339)).Info("access token acquired")
	return token, nil
}

// Validate inspects token claims without verifying the signature; the
// issuing platform owns signature verification.
func (b *TokenBroker) Validate(tokenString string) *ValidationResult {
	result := &ValidationResult{Checks: make(map[string]bool)}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		result.Reason = "token is not a decodable JWT"
		return result
	}
	result.Claims = claims

	now := time.Now()

	exp, err := claims.GetExpirationTime()
	result.Checks["exp"] = err == nil && exp != nil && exp.After(now)

	iat, err := claims.GetIssuedAt()
	result.Checks["iat"] = err == nil && iat != nil && now.Sub(iat.Time) <= maxTokenAge

	aud, _ := claims.GetAudience()
	result.Checks["aud"] = containsAudience(aud, b.cfg.Scope)

	iss, err := claims.GetIssuer()
	result.Checks["iss"] = err == nil && strings.HasPrefix(iss, strings.TrimRight(b.cfg.Authority, "/"))

	tid, _ := claims["tid"].(string)
	result.Checks["tid"] = tid == b.cfg.TenantID

	for name, ok := range result.Checks {
		if !ok {
			result.Reason = "claim check failed: " + name
			return result
		}
	}
	result.Valid = true
	return result
}

// containsAudience accepts the configured scope's resource as audience.
// A scope like "https://graph.microsoft.com/.default" matches the
// audience "https://graph.microsoft.com".
func containsAudience(aud jwt.ClaimStrings, scope string) bool {
	resource := strings.TrimSuffix(scope, "/.default")
	for _, a := range aud {
		if a == resource || a == scope {
			return true
		}
	}
	return false
}

// =============================================================================
// Lockout
// =============================================================================

func (b *TokenBroker) lockedOut(ctx context.Context, identifier string) (bool, time.Time) {
	if b.audit == nil || b.cfg.MaxFailedAttempts <= 0 {
		return false, time.Time{}
	}
	since := time.Now().Add(-b.cfg.LockoutDuration)
	count, err := b.audit.FailedAuthCount(ctx, identifier, since)
	if err != nil {
		return false, time.Time{}
	}
	if count >= b.cfg.MaxFailedAttempts {
		return true, since.Add(b.cfg.LockoutDuration * 2)
	}
	return false, time.Time{}
}

func (b *TokenBroker) recordAttempt(ctx context.Context, identifier string, success bool, reason string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.RecordAuthAttempt(ctx, &domain.AuthenticationAttempt{
		Identifier: identifier,
		Success:    success,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	})
	if !success {
		_ = b.audit.RecordSecurity(ctx, &domain.SecurityEvent{
			EventType: "auth_failure",
			Severity:  domain.SeverityWarning,
			Source:    "token_broker",
			Details:   map[string]any{"identifier": identifier, "reason": reason},
			CreatedAt: time.Now().UTC(),
		})
	}
}

// =============================================================================
// Cache
// =============================================================================

func (b *TokenBroker) cacheKey() string {
	return cache.KeyPrefixToken + b.cfg.ClientID
}

func (b *TokenBroker) fromCache(ctx context.Context) *Token {
	data, ok := b.cache.Get(ctx, b.cacheKey())
	if !ok {
		return nil
	}
	var t Token
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil
	}
	return &t
}

func (b *TokenBroker) toCache(ctx context.Context, t *Token) {
	ttl := time.Until(t.ExpiresAt) - expiryBuffer
	if b.cfg.CacheTTL > 0 && b.cfg.CacheTTL < ttl {
		ttl = b.cfg.CacheTTL
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	b.cache.Set(ctx, b.cacheKey(), string(data), ttl)
}

// decodeClaims extracts claims from a JWT-shaped token without
// verification; opaque tokens return ok=false.
func decodeClaims(tokenString string) (map[string]any, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, false
	}
	return claims, true
}
