package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

// RedisCounter keeps window counters in the shared Redis so every replica
// sees the same budget.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisCounter wraps a non-nil Redis client
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
	}
}

func (r *RedisCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.script.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit %s: %w", key, err)
	}
	return count, nil
}
