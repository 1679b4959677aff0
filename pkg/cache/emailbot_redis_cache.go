// Package cache provides a short-TTL key/value cache backed by Redis.
//
// The cache is best-effort: a miss or a Redis outage only costs performance.
// All correctness state lives in the store.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// Key prefixes used by cache consumers.
const (
	KeyPrefixToken = "auth_token:" // token broker
	KeyPrefixSeen  = "seen:"       // pipeline idempotency marks
)

// SeenTTL is how long an idempotency mark outlives its email.
const SeenTTL = 24 * time.Hour

// RedisCache implements the cache on a Redis client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key, or ok=false on miss or error.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// Set stores a value with TTL. Errors are swallowed by contract.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, key, value, ttl)
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, key)
}

// Exists reports whether a key is present. Errors read as absent.
func (c *RedisCache) Exists(ctx context.Context, key string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

// GetJSON unmarshals a JSON value into dest. Returns false on miss,
// error, or undecodable payload.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(data), dest) == nil
}

// SetJSON stores a value as JSON with TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Set(ctx, key, string(data), ttl)
}

// MarkSeen records an idempotency mark for an email id.
func (c *RedisCache) MarkSeen(ctx context.Context, emailID string) {
	c.Set(ctx, KeyPrefixSeen+emailID, "1", SeenTTL)
}

// WasSeen checks the idempotency mark for an email id.
func (c *RedisCache) WasSeen(ctx context.Context, emailID string) bool {
	return c.Exists(ctx, KeyPrefixSeen+emailID)
}

// Close closes the underlying connection.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
