package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/config"
)

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Timeout:     100 * time.Millisecond,
		RealtimeTTL: 5 * time.Minute,
		OverviewTTL: 30 * time.Second,
		SummaryTTL:  5 * time.Minute,
	}
}

func TestTTLCache_Expiry(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	c := NewTTLCache[string, int](clk)

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must not be served at or after its TTL")

	c.Set("b", 2, time.Second)
	c.Set("c", 3, time.Hour)
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryStore_SetIfNewer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewFakeClock(t0))

	stored, err := s.SetIfNewer(ctx, "k", []byte("second"), 200, time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.SetIfNewer(ctx, "k", []byte("first"), 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	raw, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	version, payload, err := decodeVersioned(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(200), version)
	assert.Equal(t, "second", string(payload))

	stored, err = s.SetIfNewer(ctx, "k", []byte("third"), 300, time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestMemoryStore_Incr(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(t0)
	s := NewMemoryStore(clk)

	n, err := s.Incr(ctx, "gen:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "gen:a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clk.Advance(48 * time.Hour)
	assert.Zero(t, s.Sweep(), "counters do not expire")
	raw, found, err := s.Get(ctx, "gen:a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(raw))

	require.NoError(t, s.Set(ctx, "gen:bad", []byte("x"), time.Minute))
	_, err = s.Incr(ctx, "gen:bad")
	assert.Error(t, err)
}

func TestVersionedEncoding(t *testing.T) {
	v, payload, err := decodeVersioned(encodeVersioned(1767004245000, []byte(`{"a":"b|c"}`)))
	require.NoError(t, err)
	assert.Equal(t, int64(1767004245000), v)
	assert.Equal(t, `{"a":"b|c"}`, string(payload))

	_, _, err = decodeVersioned([]byte("no-separator"))
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestKeysKeepTenantsApart(t *testing.T) {
	keys := []string{
		replayKey("acme", "eu:1"),
		replayKey("acme:eu", "1"),
		realtimeKey("t", "d"),
		realtimeKey("t:d", ""),
		overviewKey("t:d"),
		statsKey("acme", "eu:m1", 0, t0, t0),
		statsKey("acme:eu", "m1", 0, t0, t0),
		summaryKey("acme:eu", 0, t0, t0),
		statsGenerationKey("acme", "eu:m1"),
		statsGenerationKey("acme:eu", "m1"),
		summaryGenerationKey("acme:eu"),
	}

	seen := make(map[string]int, len(keys))
	for i, key := range keys {
		if j, dup := seen[key]; dup {
			t.Errorf("keys %d and %d collide: %q", j, i, key)
		}
		seen[key] = i
	}
}

func TestTelemetryCache_StatsNotSharedAcrossColonTenants(t *testing.T) {
	ctx := context.Background()
	c := NewTelemetryCache(NewMemoryStore(clock.NewFakeClock(t0)), zap.NewNop(), nil, testCacheConfig(), time.Hour)
	end := t0.Add(time.Hour)

	c.SetStats(ctx, c.StatsKey(ctx, "acme", "eu:m1", t0, end), map[string]int{"n": 1})
	c.SetReplay(ctx, "acme", "eu:1", map[string]int{"n": 2})

	var got map[string]int
	assert.False(t, c.GetStats(ctx, c.StatsKey(ctx, "acme:eu", "m1", t0, end), &got))
	assert.False(t, c.GetReplay(ctx, "acme:eu", "1", &got))
	assert.True(t, c.GetReplay(ctx, "acme", "eu:1", &got))
}

func TestTelemetryCache_RealtimeKeepsLatest(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(t0)
	c := NewTelemetryCache(NewMemoryStore(clk), zap.NewNop(), nil, testCacheConfig(), time.Hour)

	assert.True(t, c.SetRealtime(ctx, "t1", RealtimeState{DeviceKey: "m1", PowerWatts: 200, ObservedAt: t0.Add(time.Minute)}))
	assert.False(t, c.SetRealtime(ctx, "t1", RealtimeState{DeviceKey: "m1", PowerWatts: 100, ObservedAt: t0}))

	state, ok := c.GetRealtime(ctx, "t1", "m1")
	require.True(t, ok)
	assert.Equal(t, 200.0, state.PowerWatts)

	_, ok = c.GetRealtime(ctx, "t2", "m1")
	assert.False(t, ok)

	clk.Advance(5 * time.Minute)
	_, ok = c.GetRealtime(ctx, "t1", "m1")
	assert.False(t, ok, "realtime entry must expire after its TTL")
}

func TestTelemetryCache_InvalidateDevice(t *testing.T) {
	ctx := context.Background()
	c := NewTelemetryCache(NewMemoryStore(clock.NewFakeClock(t0)), zap.NewNop(), nil, testCacheConfig(), time.Hour)
	end := t0.Add(time.Hour)

	c.SetStats(ctx, c.StatsKey(ctx, "t1", "m1", t0, end), map[string]int{"n": 1})
	c.SetStats(ctx, c.StatsKey(ctx, "t1", "m2", t0, end), map[string]int{"n": 2})
	c.SetSummary(ctx, c.SummaryKey(ctx, "t1", t0, end), map[string]int{"n": 3})
	c.SetSummary(ctx, c.SummaryKey(ctx, "t2", t0, end), map[string]int{"n": 4})
	c.SetOverview(ctx, "t1", map[string]int{"n": 5})

	staleStats := c.StatsKey(ctx, "t1", "m1", t0, end)
	c.InvalidateDevice(ctx, "t1", "m1")

	var got map[string]int
	assert.NotEqual(t, staleStats, c.StatsKey(ctx, "t1", "m1", t0, end))
	assert.False(t, c.GetStats(ctx, c.StatsKey(ctx, "t1", "m1", t0, end), &got))
	assert.False(t, c.GetSummary(ctx, c.SummaryKey(ctx, "t1", t0, end), &got))
	assert.False(t, c.GetOverview(ctx, "t1", &got))
	assert.True(t, c.GetStats(ctx, c.StatsKey(ctx, "t1", "m2", t0, end), &got))
	assert.True(t, c.GetSummary(ctx, c.SummaryKey(ctx, "t2", t0, end), &got))
	assert.Equal(t, 4, got["n"])
}

type failingStore struct{}

var errBackendDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBackendDown }

func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errBackendDown }

func (failingStore) SetIfNewer(context.Context, string, []byte, int64, time.Duration) (bool, error) {
	return false, errBackendDown
}

func (failingStore) Delete(context.Context, ...string) error { return errBackendDown }

func (failingStore) Incr(context.Context, string) (int64, error) { return 0, errBackendDown }

func (failingStore) Ping(context.Context) error { return errBackendDown }

func (failingStore) Close() error { return nil }

func TestTelemetryCache_DegradesOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewTelemetryCache(failingStore{}, zap.New(core), nil, testCacheConfig(), time.Hour)

	assert.False(t, c.SetRealtime(ctx, "t1", RealtimeState{DeviceKey: "m1", ObservedAt: t0}))
	_, ok := c.GetRealtime(ctx, "t1", "m1")
	assert.False(t, ok)

	var dest map[string]int
	key := c.SummaryKey(ctx, "t1", t0, t0)
	assert.Empty(t, key)
	assert.False(t, c.GetSummary(ctx, key, &dest))
	assert.NotPanics(t, func() { c.InvalidateDevice(ctx, "t1", "m1") })

	assert.GreaterOrEqual(t, logs.FilterMessage("cache operation failed, degrading to store").Len(), 4)
}
