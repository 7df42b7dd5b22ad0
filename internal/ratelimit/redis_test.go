package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/clock"
)

func newMiniRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounter(client), mr
}

func TestRedisCounter_SetsExpiryOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	counter, mr := newMiniRedisCounter(t)

	n, err := counter.Increment(ctx, "rl:ingest:t1:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, mr.TTL("rl:ingest:t1:1"))

	mr.FastForward(20 * time.Second)
	n, err = counter.Increment(ctx, "rl:ingest:t1:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 40*time.Second, mr.TTL("rl:ingest:t1:1"), "later increments keep the window expiry")

	mr.FastForward(40 * time.Second)
	n, err = counter.Increment(ctx, "rl:ingest:t1:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLimiter_RedisSixthCallThrottledUntilRollover(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 14, 0, 10, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	counter, _ := newMiniRedisCounter(t)
	limiter := newTestLimiter(clk, counter)

	for i := 0; i < 5; i++ {
		_, err := limiter.Allow(ctx, "tenant-a", ClassIngest)
		require.NoError(t, err, "call %d", i+1)
	}

	_, err := limiter.Allow(ctx, "tenant-a", ClassIngest)
	throttled, ok := apperror.AsThrottled(err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Second, throttled.RetryAfter)

	_, err = limiter.Allow(ctx, "tenant-b", ClassIngest)
	assert.NoError(t, err, "other tenants keep their own budget")

	clk.Advance(50 * time.Second)
	d, err := limiter.Allow(ctx, "tenant-a", ClassIngest)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_RedisDownFailsOpen(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	counter, mr := newMiniRedisCounter(t)
	limiter := newTestLimiter(clk, counter)
	mr.Close()

	for i := 0; i < 7; i++ {
		d, err := limiter.Allow(ctx, "tenant-a", ClassIngest)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
