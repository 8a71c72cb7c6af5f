package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maestro-crm/maestro/internal/model"
)

// RedisLimiter implements Limiter with a fixed window per key in Redis.
//
// The window is a single counter INCRed on every check; INCR is atomic, so
// concurrent callers across all instances see a strictly increasing count
// and only the first Limit of them are allowed. The key's TTL is set once,
// when the counter is created, and defines the window boundary.
type RedisLimiter struct {
	client *redis.Client
	policy Policy
	logger *slog.Logger
}

// NewRedisLimiter creates a Redis-backed limiter. The client is owned by
// the caller; Close does not close it.
func NewRedisLimiter(client *redis.Client, policy Policy, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, logger: logger}
}

// incrScript atomically increments the counter and stamps the window TTL on
// first use. Returns {count, ttl_ms}.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Check consumes one slot for the caller's current window. A Redis failure
// fails open: the request is permitted and the failure logged, because a
// limiter outage must not take AI features down with it.
func (l *RedisLimiter) Check(ctx context.Context, userID string, role model.Role, agentID string) Decision {
	rule := l.policy.RuleFor(role, agentID)
	k := "ratelimit:" + key(userID, role, agentID)

	res, err := incrScript.Run(ctx, l.client, []string{k}, rule.Window.Milliseconds()).Slice()
	if err != nil || len(res) != 2 {
		l.logger.Error("ratelimit: redis check failed, failing open", "key", k, "error", err)
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}
	}

	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	if ttlMs < 0 {
		ttlMs = rule.Window.Milliseconds()
	}
	resetAt := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)

	if int(count) > rule.Limit {
		return Decision{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Duration(ttlMs) * time.Millisecond,
		}
	}

	remaining := rule.Limit - int(count)
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: remaining, ResetAt: resetAt}
}

// Reset clears the counters for one user, or one (user, agent) pair.
func (l *RedisLimiter) Reset(ctx context.Context, userID, agentID string) error {
	for _, role := range []model.Role{model.RoleAdmin, model.RoleTeacher, model.RoleStudent, model.RoleAnonymous} {
		pattern := "ratelimit:user:" + userID + ":role:" + string(role) + ":agent:*"
		if agentID != "" {
			pattern = "ratelimit:" + key(userID, role, agentID)
		}
		iter := l.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := l.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the Redis client is shared and closed by the owner.
func (l *RedisLimiter) Close() error { return nil }
