package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matiasleandrokruk/chatrelay/pkg/uuid"
)

// slidingWindowScript trims scores below the cutoff (a score equal to it is kept), then adds the
// request if the remaining count is under the limit. Running it as one script keeps check+record atomic.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, now, ARGV[5])
  redis.call('PEXPIRE', key, ttl)
  return 1
end
return 0
`)

// RedisWindow is a SlidingWindow shared by every replica pointing at the same Redis.
// Keys expire after one window of inactivity, so it needs no sweep.
type RedisWindow struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

// NewRedisWindow returns a Redis-backed limiter storing windows under prefix+identity.
func NewRedisWindow(client redis.Scripter, prefix string, limit int, win time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, limit: limit, window: win}
}

// Admit implements Admitter.
func (rw *RedisWindow) Admit(ctx context.Context, identity string, now time.Time) (bool, error) {
	cutoff := now.Add(-rw.window)
	res, err := slidingWindowScript.Run(ctx, rw.client, []string{rw.prefix + identity},
		now.UnixMicro(),
		cutoff.UnixMicro(),
		rw.limit,
		rw.window.Milliseconds(),
		fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewV7().String()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit %q: %w", identity, err)
	}
	return res == 1, nil
}

// Sweep is a no-op; Redis key TTLs expire idle windows.
func (rw *RedisWindow) Sweep(time.Time) int { return 0 }
