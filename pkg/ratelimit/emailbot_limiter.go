// Package ratelimit provides sliding-window request admission for the
// platform APIs and the processing loop.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Config
// =============================================================================

// Config holds rate limiter configuration.
type Config struct {
	// Primary window.
	MaxRequests int           // max requests per window (default: 100)
	Window      time.Duration // window size (default: 60s)

	// Burst window: denies short-term spikes inside the primary window.
	BurstSize   int           // max requests per burst window (default: 20)
	BurstWindow time.Duration // burst window size (default: 10s)

	// Adaptive: scale MaxRequests by current load.
	Adaptive bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRequests: 100,
		Window:      60 * time.Second,
		BurstSize:   20,
		BurstWindow: 10 * time.Second,
		Adaptive:    false,
	}
}

// SecurityNotifier receives a notification when an identifier is placed in
// cooldown. Implemented by the security event recorder.
type SecurityNotifier interface {
	RateLimitExceeded(ctx context.Context, identifier string, until time.Time)
}

// Result describes an admission decision.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// =============================================================================
// SlidingWindowLimiter
// =============================================================================

// SlidingWindowLimiter implements per-identifier sliding window admission.
// Windows live in Redis ordered sets; when Redis is unavailable the limiter
// falls back to in-memory windows so admission keeps working on one node.
type SlidingWindowLimiter struct {
	config   *Config
	redis    *redis.Client
	notifier SecurityNotifier

	mu        sync.Mutex
	local     map[string][]int64 // identifier -> request timestamps (ms)
	cooldowns map[string]time.Time

	// Adaptive state, recomputed at most once per minute.
	active         int
	loadFactor     float64
	lastAdaptation time.Time
}

// NewSlidingWindowLimiter creates a new limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, config *Config) *SlidingWindowLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &SlidingWindowLimiter{
		config:     config,
		redis:      redisClient,
		local:      make(map[string][]int64),
		cooldowns:  make(map[string]time.Time),
		loadFactor: 1.0,
	}
}

// SetNotifier wires the security event recorder.
func (l *SlidingWindowLimiter) SetNotifier(n SecurityNotifier) {
	l.notifier = n
}

// slidingWindowScript atomically trims, counts, and records a request in a
// Redis ordered set. Returns 1 if admitted, otherwise the negative wait time
// in milliseconds.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	else
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if #oldest > 0 then
			return -(oldest[2] + window_ms - now)
		end
		return 0
	end
`)

// Allow checks whether a request for identifier is admitted.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, identifier string) *Result {
	now := time.Now()

	// Cooldown check comes before any window work.
	l.mu.Lock()
	if until, ok := l.cooldowns[identifier]; ok {
		if now.Before(until) {
			wait := until.Sub(now)
			l.mu.Unlock()
			return &Result{Allowed: false, Reason: "cooldown active", RetryAfter: wait}
		}
		delete(l.cooldowns, identifier)
	}
	l.mu.Unlock()

	limit := l.effectiveLimit(now)

	// Burst window first: a short spike is denied without a cooldown.
	if !l.checkWindow(ctx, "burst:"+identifier, now, l.config.BurstWindow, l.config.BurstSize) {
		return &Result{Allowed: false, Reason: "burst limit exceeded", RetryAfter: l.config.BurstWindow}
	}

	if !l.checkWindow(ctx, identifier, now, l.config.Window, limit) {
		until := now.Add(l.config.Window)
		l.mu.Lock()
		l.cooldowns[identifier] = until
		l.mu.Unlock()

		if l.notifier != nil {
			l.notifier.RateLimitExceeded(ctx, identifier, until)
		}
		return &Result{Allowed: false, Reason: "rate limit exceeded", RetryAfter: l.config.Window}
	}

	return &Result{Allowed: true}
}

// checkWindow admits a request against one window, recording it on success.
func (l *SlidingWindowLimiter) checkWindow(ctx context.Context, identifier string, now time.Time, window time.Duration, max int) bool {
	if l.redis != nil {
		redisKey := fmt.Sprintf("ratelimit:%s", identifier)
		result, err := slidingWindowScript.Run(ctx, l.redis, []string{redisKey},
			now.UnixMilli(),
			now.Add(-window).UnixMilli(),
			max,
			window.Milliseconds(),
		).Int64()
		if err == nil {
			return result == 1
		}
		// Redis error falls through to the local window.
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window).UnixMilli()
	timestamps := l.local[identifier]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		l.local[identifier] = kept
		return false
	}

	l.local[identifier] = append(kept, now.UnixMilli())
	return true
}

// =============================================================================
// Adaptive load factor
// =============================================================================

// BeginRequest registers an in-flight request for adaptive scaling.
// The returned function must be called when the request completes.
func (l *SlidingWindowLimiter) BeginRequest() func() {
	l.mu.Lock()
	l.active++
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		if l.active > 0 {
			l.active--
		}
		l.mu.Unlock()
	}
}

// effectiveLimit returns MaxRequests scaled by the load factor.
func (l *SlidingWindowLimiter) effectiveLimit(now time.Time) int {
	if !l.config.Adaptive {
		return l.config.MaxRequests
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastAdaptation) >= time.Minute {
		switch {
		case l.active > l.config.MaxRequests/2:
			l.loadFactor = 0.5
		case l.active > l.config.MaxRequests/4:
			l.loadFactor = 0.75
		default:
			l.loadFactor = 1.0
		}
		l.lastAdaptation = now
	}

	limit := int(float64(l.config.MaxRequests) * l.loadFactor)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// LoadFactor returns the current adaptive factor.
func (l *SlidingWindowLimiter) LoadFactor() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadFactor
}

// InCooldown reports whether an identifier is currently cooling down.
func (l *SlidingWindowLimiter) InCooldown(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[identifier]
	return ok && time.Now().Before(until)
}

// Reset clears all local state for an identifier. Used by tests and by the
// admin surface after an operator clears a block.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, identifier string) {
	l.mu.Lock()
	delete(l.local, identifier)
	delete(l.local, "burst:"+identifier)
	delete(l.cooldowns, identifier)
	l.mu.Unlock()

	if l.redis != nil {
		l.redis.Del(ctx, "ratelimit:"+identifier, "ratelimit:burst:"+identifier)
	}
}
