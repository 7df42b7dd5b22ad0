package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/config"
)

// The stored value is "<version>|<payload>"; an entry with a strictly higher
// version is kept.
const setIfNewerScript = `
local current = redis.call("GET", KEYS[1])
if current then
  local head = string.match(current, "^(%-?%d+)|")
  if head and tonumber(head) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[2] .. "|" .. ARGV[1], "PX", ARGV[3])
return 1
`

// NewRedisClient creates the shared Redis client and ties it to the fx lifecycle
func NewRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis ping failed, continuing without a warm cache",
					zap.String("addr", cfg.Addr), zap.Error(err))
				return nil
			}
			logger.Info("redis connection established", zap.String("addr", cfg.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis connection")
			return client.Close()
		},
	})

	return client
}

// RedisStore is the Store backed by a shared Redis
type RedisStore struct {
	client     *redis.Client
	setIfNewer *redis.Script
}

// NewRedisStore wraps a Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		setIfNewer: redis.NewScript(setIfNewerScript),
	}
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SetIfNewer(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) (bool, error) {
	res, err := r.setIfNewer.Run(ctx, r.client, []string{key}, value, version, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis set-if-newer %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis unlink: %w", err)
	}
	return nil
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is closed by its lifecycle hook
func (r *RedisStore) Close() error {
	return nil
}
