package redis

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// slidingWindowScript admits one execution per call. The key holds a sorted
// set of admission timestamps in milliseconds; everything older than the
// window is dropped before counting. On denial the reply carries how many
// milliseconds remain until the oldest admission leaves the window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  return { 1, limit - count - 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after = 0
if oldest[2] then
  retry_after = tonumber(oldest[2]) + window - now
end
return { 0, 0, retry_after }
`)

// SlidingWindowLimiter implements the rate limiter port on a Redis sorted
// set per key, shared by every worker pointing at the same Redis.
type SlidingWindowLimiter struct {
	// Now is the clock; replace in tests to drive the window.
	Now func() time.Time

	rdb *redis.Client
}

// NewSlidingWindowLimiter builds the limiter over an existing client.
func NewSlidingWindowLimiter(rdb *redis.Client) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{Now: time.Now, rdb: rdb}
}

// TryAcquire admits and records one execution, or reports how long until a
// slot frees up. RetryAfter is never below 1ms so callers always back off
// a nonzero amount.
func (l *SlidingWindowLimiter) TryAcquire(ctx domain.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitDecision, error) {
	now := l.Now().UnixMilli()
	member := ulid.Make().String()

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{rateKeyPrefix + key},
		now, policy.Window.Milliseconds(), policy.Limit, member).Result()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("op=redis.TryAcquire: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return domain.RateLimitDecision{}, fmt.Errorf("op=redis.TryAcquire: %w: unexpected script reply %v", domain.ErrInternal, res)
	}

	if asInt64(vals[0]) == 1 {
		return domain.RateLimitDecision{
			Allowed:   true,
			Remaining: int(asInt64(vals[1])),
		}, nil
	}
	retryAfter := time.Duration(asInt64(vals[2])) * time.Millisecond
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}
	return domain.RateLimitDecision{Allowed: false, RetryAfter: retryAfter}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
