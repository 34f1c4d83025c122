// Package ratelimit provides an optional Redis-backed per-IP limit for the
// tracking endpoint, so one misbehaving embedder cannot flood the visit log.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic check-and-increment. A GET → check → INCR sequence
// from Go would race under concurrent requests; the script runs as one unit.
const trackLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, 1)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Limiter enforces a per-IP requests-per-minute cap using minute-bucketed
// Redis counters.
type Limiter struct {
	redis     *redis.Client
	script    *redis.Script
	perMinute int

	now func() time.Time
}

// New creates a limiter on an existing Redis client.
func New(client *redis.Client, perMinute int) *Limiter {
	return &Limiter{
		redis:     client,
		script:    redis.NewScript(trackLimitLuaScript),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// NewFromURL creates a limiter by connecting to Redis and verifying the
// connection with a ping.
func NewFromURL(redisURL string, perMinute int) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client, perMinute), nil
}

// Allow atomically checks and increments the counter for ip in the current
// minute bucket. It reports whether the request is within the limit.
func (l *Limiter) Allow(ctx context.Context, ip string) (bool, error) {
	now := l.now()
	key := fmt.Sprintf("ratelimit:track:%s:%d", ip, now.Unix()/60)

	result, err := l.script.Run(ctx, l.redis,
		[]string{key},
		l.perMinute,
		120, // 2 minute TTL, outlives the bucket
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return result[0].(int64) == 1, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
