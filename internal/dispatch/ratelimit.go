// Package dispatch runs the outbound email queue: a single processing loop
// pulling small batches through a Redis-backed send-rate gate, with
// exponential retry for transient failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited means the current send window is full. Retryable: the next
// window opens within a second.
var ErrRateLimited = errors.New("send rate limit reached for this window")

// Lua keeps the check-and-increment atomic; a GET then INCR from several
// callers could both pass the check and blow the window.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// WindowLimiter is a fixed-window counter in Redis. Windows are bucketed by
// wall clock, so every process sharing the Redis shares the limit.
type WindowLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	script *redis.Script
}

func NewWindowLimiter(redisClient *redis.Client, limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Second
	}
	return &WindowLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		script: redis.NewScript(windowLimitLuaScript),
	}
}

// Allow consumes one slot from the current window. Returns ErrRateLimited
// when the window is full. Redis being unreachable is a real error, not a
// denial.
func (l *WindowLimiter) Allow(ctx context.Context) error {
	bucket := time.Now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("ratelimit:send:%d", bucket)

	// TTL of two windows so a bucket outlives its own window but not much more.
	ttl := int((2 * l.window).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := l.script.Run(ctx, l.redis, []string{key}, l.limit, ttl).Slice()
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	if allowed, ok := result[0].(int64); !ok || allowed != 1 {
		return ErrRateLimited
	}
	return nil
}
