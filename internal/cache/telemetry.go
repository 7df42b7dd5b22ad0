package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
)

// Key families
const (
	FamilyRealtime = "realtime"
	FamilyOverview = "overview"
	FamilyStats    = "stats"
	FamilySummary  = "summary"
	FamilyReplay   = "replay"
)

// RealtimeState is the latest accepted reading of a device
type RealtimeState struct {
	DeviceKey  string    `json:"device_key"`
	ReadingID  string    `json:"reading_id"`
	PowerWatts float64   `json:"power_watts"`
	ObservedAt time.Time `json:"observed_at"`
}

// TelemetryCache layers the service's key families over a Store. Backend
// failures are logged and counted and then reported as misses; they never
// reach callers.
type TelemetryCache struct {
	store     Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	ttls      config.CacheConfig
	replayTTL time.Duration
}

// NewTelemetryCache creates the cache facade
func NewTelemetryCache(store Store, logger *zap.Logger, m *metrics.Metrics, cfg config.CacheConfig, replayTTL time.Duration) *TelemetryCache {
	return &TelemetryCache{
		store:     store,
		logger:    logger,
		metrics:   m,
		timeout:   cfg.Timeout,
		ttls:      cfg,
		replayTTL: replayTTL,
	}
}

// keyPart escapes a caller-supplied key segment so it never contains the
// ':' separator; distinct (tenant, device, submission) tuples map to distinct keys.
func keyPart(s string) string {
	return url.QueryEscape(s)
}

func realtimeKey(tenantID, deviceKey string) string {
	return "rt:" + keyPart(tenantID) + ":" + keyPart(deviceKey)
}

func overviewKey(tenantID string) string {
	return "ov:" + keyPart(tenantID)
}

func replayKey(tenantID, submissionID string) string {
	return "sub:" + keyPart(tenantID) + ":" + keyPart(submissionID)
}

// Generation counters version the stats and summary families. Invalidation
// bumps a counter instead of deleting keys, so it costs one INCR however many
// ranges are cached.
func statsGenerationKey(tenantID, deviceKey string) string {
	return "gen:stats:" + keyPart(tenantID) + ":" + keyPart(deviceKey)
}

func summaryGenerationKey(tenantID string) string {
	return "gen:summary:" + keyPart(tenantID)
}

func statsKey(tenantID, deviceKey string, generation int64, start, end time.Time) string {
	return fmt.Sprintf("stats:%s:%s:%d:%d:%d", keyPart(tenantID), keyPart(deviceKey), generation, start.Unix(), end.Unix())
}

func summaryKey(tenantID string, generation int64, start, end time.Time) string {
	return fmt.Sprintf("summary:%s:%d:%d:%d", keyPart(tenantID), generation, start.Unix(), end.Unix())
}

func (c *TelemetryCache) generation(ctx context.Context, family, key string) (int64, bool) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.degrade(family, "generation", key, err)
		return 0, false
	}
	if !found {
		return 0, true
	}
	gen, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		c.degrade(family, "generation", key, err)
		return 0, false
	}
	return gen, true
}

// StatsKey names a device stats result for an hour-aligned range under the
// device's current generation. The same key must be used for the lookup and
// the fill, so a result computed before an invalidation is never readable
// after it. An empty key means the cache is unavailable.
func (c *TelemetryCache) StatsKey(ctx context.Context, tenantID, deviceKey string, start, end time.Time) string {
	gen, ok := c.generation(ctx, FamilyStats, statsGenerationKey(tenantID, deviceKey))
	if !ok {
		return ""
	}
	return statsKey(tenantID, deviceKey, gen, start, end)
}

// SummaryKey names a tenant summary result, see StatsKey
func (c *TelemetryCache) SummaryKey(ctx context.Context, tenantID string, start, end time.Time) string {
	gen, ok := c.generation(ctx, FamilySummary, summaryGenerationKey(tenantID))
	if !ok {
		return ""
	}
	return summaryKey(tenantID, gen, start, end)
}

func (c *TelemetryCache) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *TelemetryCache) degrade(family, op, key string, err error) {
	c.metrics.CacheResult(family, "error")
	c.logger.Warn("cache operation failed, degrading to store",
		zap.String("family", family),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(apperror.CacheUnavailable(err)),
	)
}

func (c *TelemetryCache) getJSON(ctx context.Context, family, key string, dest any) bool {
	if key == "" {
		return false
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.degrade(family, "get", key, err)
		return false
	}
	if !found {
		c.metrics.CacheResult(family, "miss")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.degrade(family, "decode", key, err)
		return false
	}
	c.metrics.CacheResult(family, "hit")
	return true
}

func (c *TelemetryCache) setJSON(ctx context.Context, family, key string, value any, ttl time.Duration) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.degrade(family, "encode", key, err)
		return
	}

	ctx, cancel := c.bounded(ctx)
	defer cancel()

	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.degrade(family, "set", key, err)
	}
}

func (c *TelemetryCache) GetRealtime(ctx context.Context, tenantID, deviceKey string) (*RealtimeState, bool) {
	key := realtimeKey(tenantID, deviceKey)

	ctx, cancel := c.bounded(ctx)
	defer cancel()

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.degrade(FamilyRealtime, "get", key, err)
		return nil, false
	}
	if !found {
		c.metrics.CacheResult(FamilyRealtime, "miss")
		return nil, false
	}

	_, payload, err := decodeVersioned(raw)
	if err != nil {
		c.degrade(FamilyRealtime, "decode", key, err)
		return nil, false
	}
	var state RealtimeState
	if err := json.Unmarshal(payload, &state); err != nil {
		c.degrade(FamilyRealtime, "decode", key, err)
		return nil, false
	}
	c.metrics.CacheResult(FamilyRealtime, "hit")
	return &state, true
}

// SetRealtime records state unless the entry already holds a later observation
func (c *TelemetryCache) SetRealtime(ctx context.Context, tenantID string, state RealtimeState) bool {
	key := realtimeKey(tenantID, state.DeviceKey)

	raw, err := json.Marshal(state)
	if err != nil {
		c.degrade(FamilyRealtime, "encode", key, err)
		return false
	}

	ctx, cancel := c.bounded(ctx)
	defer cancel()

	stored, err := c.store.SetIfNewer(ctx, key, raw, state.ObservedAt.UnixMilli(), c.ttls.RealtimeTTL)
	if err != nil {
		c.degrade(FamilyRealtime, "set", key, err)
		return false
	}
	return stored
}

func (c *TelemetryCache) GetOverview(ctx context.Context, tenantID string, dest any) bool {
	return c.getJSON(ctx, FamilyOverview, overviewKey(tenantID), dest)
}

func (c *TelemetryCache) SetOverview(ctx context.Context, tenantID string, value any) {
	c.setJSON(ctx, FamilyOverview, overviewKey(tenantID), value, c.ttls.OverviewTTL)
}

func (c *TelemetryCache) GetStats(ctx context.Context, key string, dest any) bool {
	return c.getJSON(ctx, FamilyStats, key, dest)
}

func (c *TelemetryCache) SetStats(ctx context.Context, key string, value any) {
	c.setJSON(ctx, FamilyStats, key, value, c.ttls.SummaryTTL)
}

func (c *TelemetryCache) GetSummary(ctx context.Context, key string, dest any) bool {
	return c.getJSON(ctx, FamilySummary, key, dest)
}

func (c *TelemetryCache) SetSummary(ctx context.Context, key string, value any) {
	c.setJSON(ctx, FamilySummary, key, value, c.ttls.SummaryTTL)
}

func (c *TelemetryCache) GetReplay(ctx context.Context, tenantID, submissionID string, dest any) bool {
	return c.getJSON(ctx, FamilyReplay, replayKey(tenantID, submissionID), dest)
}

func (c *TelemetryCache) SetReplay(ctx context.Context, tenantID, submissionID string, value any) {
	c.setJSON(ctx, FamilyReplay, replayKey(tenantID, submissionID), value, c.replayTTL)
}

// InvalidateDevice retires every summary whose result may include the device:
// its stats for any range, the tenant's summaries and the tenant overview.
func (c *TelemetryCache) InvalidateDevice(ctx context.Context, tenantID, deviceKey string) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	if _, err := c.store.Incr(ctx, statsGenerationKey(tenantID, deviceKey)); err != nil {
		c.degrade(FamilyStats, "invalidate", statsGenerationKey(tenantID, deviceKey), err)
	}
	if _, err := c.store.Incr(ctx, summaryGenerationKey(tenantID)); err != nil {
		c.degrade(FamilySummary, "invalidate", summaryGenerationKey(tenantID), err)
	}
	if err := c.store.Delete(ctx, overviewKey(tenantID)); err != nil {
		c.degrade(FamilyOverview, "invalidate", overviewKey(tenantID), err)
	}
}

// Ping reports whether the backend answers within the cache timeout
func (c *TelemetryCache) Ping(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.store.Ping(ctx)
}
