package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per key in fixed windows shared by all
// instances. The first request of a window sets the key's expiry.
type RedisLimiter struct {
	client *redis.Client
	rule   Rule
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on an existing client. Closing the limiter
// does not close the client.
func NewRedisLimiter(client *redis.Client, rule Rule) *RedisLimiter {
	return &RedisLimiter{client: client, rule: rule, now: time.Now}
}

func (l *RedisLimiter) windowKey(key string) string {
	window := l.now().UnixMilli() / l.rule.Window.Milliseconds()
	return fmt.Sprintf("agentid:ratelimit:%s:%s:%d", l.rule.Name, key, window)
}

// Allow increments key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.windowKey(key)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.rule.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= int64(l.rule.Limit), nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
