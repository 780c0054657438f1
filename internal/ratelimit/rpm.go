package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const rpmKeyPrefix = "gateway:ratelimit:rpm:"

// RPMLimiter enforces a per-provider requests-per-minute ceiling using a
// Redis sliding window, so the budget is shared across worker instances.
type RPMLimiter struct {
	rdb *redis.Client
}

// NewRPMLimiter creates an RPMLimiter on the shared Redis client.
func NewRPMLimiter(rdb *redis.Client) *RPMLimiter {
	return &RPMLimiter{rdb: rdb}
}

// Allow returns true when provider is within its rpm limit for the current
// minute. A limit ≤ 0 disables the check. Redis being unavailable also
// allows the request — the limiter degrades rather than blocks.
func (r *RPMLimiter) Allow(ctx context.Context, provider string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{rpmKeyPrefix + provider},
		now, window, limit,
	).Int()
	if err != nil {
		return true
	}

	return result == 1
}
