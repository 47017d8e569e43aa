package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateDecision describes one hourly window for a user in a chat.
type RateDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (d RateDecision) Remaining() int64 {
	if d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// RateLimiter counts turns per (chat, user) in fixed hourly windows.
// A limit of zero or less disables it.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, chatID, userID int64, now time.Time) (RateDecision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return RateDecision{Allowed: true, Limit: r.limit, ResetAt: windowEnd}, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("llmgate:ratelimit:%d:%d:%s", chatID, userID, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return RateDecision{Allowed: used <= r.limit, Used: used, Limit: r.limit, ResetAt: windowEnd}, nil
}

// UpdateDeduplicator drops Telegram updates that were already delivered.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("llmgate:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
