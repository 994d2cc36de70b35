package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript increments the window counter and starts the window TTL on the
// first hit, in one round trip. Returns {1} when admitted, {0, pttl} when
// the limit is reached. The rejected attempt is decremented back so it does
// not consume window capacity.
var allowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return {0, redis.call('PTTL', KEYS[1])}
end
return {1, 0}
`)

// RedisLimiter is a fixed-window limiter backed by Redis. All workers across
// all processes share the same window per scope.
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
	max       int64
	window    time.Duration
}

// NewRedisLimiter creates a limiter allowing max attempts per window for
// each scope. keyPrefix namespaces the windows of independent limiters.
func NewRedisLimiter(client *redis.Client, keyPrefix string, max int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		max:       max,
		window:    window,
	}
}

func (l *RedisLimiter) key(scope string) string {
	return l.keyPrefix + ":" + scope
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	res, err := allowScript.Run(ctx, l.client,
		[]string{l.key(scope)},
		l.max, l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) < 1 {
		return false, fmt.Errorf("rate limit check returned unexpected result")
	}
	return res[0] == 1, nil
}

// RetryAfter implements Limiter.
func (l *RedisLimiter) RetryAfter(ctx context.Context, scope string) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.key(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit ttl lookup failed: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
