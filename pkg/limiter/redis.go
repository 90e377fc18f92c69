package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the multi-node-safe Store implementation, grounded directly in
// internal/auth/ratelimit.go's Incr plus Expire-on-first-increment usage, extended
// with a Lua-backed conditional increment for budgets (read-then-increment
// must be atomic across workers, which a bare INCR cannot express once a
// ceiling applies).
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed counter store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// CheckAndIncrRateLimit implements Store using INCR+EXPIRE, matching the
// teacher's rate limiter: the first increment in a window sets the expiry,
// subsequent increments within the window reuse it.
func (r *Redis) CheckAndIncrRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateLimitResult{}, fmt.Errorf("incrementing rate limit counter: %w", err)
	}

	count := incr.Val()
	remaining := ttlCmd.Val()
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("setting rate limit expiry: %w", err)
		}
		remaining = window
	}
	if remaining < 0 {
		// Defensive: a key with no TTL (should not happen once Expire has
		// run) is treated as starting a fresh window.
		remaining = window
	}

	resetAt := time.Now().Add(remaining)
	if int(count) > limit {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return RateLimitResult{Allowed: true, Remaining: limit - int(count), ResetAt: resetAt}, nil
}

// budgetIncrScript atomically reads the current count and conditionally
// increments it, returning the post-increment value or -1 if the ceiling
// would be exceeded. A bare Redis INCR cannot express "deny once over
// limit" without a race between read and write across workers.
var budgetIncrScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if used + 1 > limit then
	return -1
end
local newval = redis.call("INCR", KEYS[1])
if newval == 1 then
	redis.call("EXPIREAT", KEYS[1], ARGV[2])
end
return newval
`)

// CheckAndIncrBudget implements Store.
func (r *Redis) CheckAndIncrBudget(ctx context.Context, key string, limit int, period Period, now time.Time) (BudgetResult, error) {
	expireAt := periodEnd(now, period).Unix()
	res, err := budgetIncrScript.Run(ctx, r.client, []string{key}, limit, expireAt).Int()
	if err != nil {
		return BudgetResult{}, fmt.Errorf("incrementing budget counter: %w", err)
	}
	if res < 0 {
		used, _ := r.client.Get(ctx, key).Int()
		return BudgetResult{Allowed: false, Used: used, Limit: limit}, nil
	}
	return BudgetResult{Allowed: true, Used: res, Limit: limit}, nil
}

// RecordTokenUsage implements Store, accumulating observational counters
// with a 48-hour TTL so per-day keys self-expire rather than growing
// without bound; see DESIGN.md for the retention-period rationale.
func (r *Redis) RecordTokenUsage(ctx context.Context, key string, inputTokens, outputTokens, totalTokens int) error {
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, "input", int64(inputTokens))
	pipe.HIncrBy(ctx, key, "output", int64(outputTokens))
	pipe.HIncrBy(ctx, key, "total", int64(totalTokens))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording token usage: %w", err)
	}
	return nil
}
