package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/aggregation"
	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/ratelimit"
	"github.com/septivank/energy-telemetry-service/internal/repository"
)

const (
	// overviewWindow is how recent a reading must be for its device to count as active
	overviewWindow = 5 * time.Minute
	defaultRange   = 24 * time.Hour
	topConsumers   = 5
)

// TimeRange is a half-open [Start, End) query window. Zero bounds default to
// the last 24 hours.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// DeviceStats summarizes one device over an hour-aligned range
type DeviceStats struct {
	DeviceKey     string    `json:"device_key"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	SampleCount   int64     `json:"sample_count"`
	TotalEnergyWh float64   `json:"total_energy_wh"`
	AvgPowerWatts float64   `json:"avg_power_watts"`
	MinPowerWatts float64   `json:"min_power_watts"`
	MaxPowerWatts float64   `json:"max_power_watts"`
}

// Consumer is one device's share of a tenant summary
type Consumer struct {
	DeviceKey     string  `json:"device_key"`
	EnergyWh      float64 `json:"energy_wh"`
	AvgPowerWatts float64 `json:"avg_power_watts"`
	SampleCount   int64   `json:"sample_count"`
}

// Summary holds tenant-wide energy totals over an hour-aligned range
type Summary struct {
	Start            time.Time  `json:"start"`
	End              time.Time  `json:"end"`
	TotalDevices     int        `json:"total_devices"`
	ReportingDevices int        `json:"reporting_devices"`
	TotalEnergyWh    float64    `json:"total_energy_wh"`
	AvgPowerWatts    float64    `json:"avg_power_watts"`
	PeakPowerWatts   float64    `json:"peak_power_watts"`
	PeakDeviceKey    string     `json:"peak_device_key,omitempty"`
	PeakHour         *time.Time `json:"peak_hour,omitempty"`
	TopConsumers     []Consumer `json:"top_consumers"`
}

// RealtimeReading is the latest accepted value of a device
type RealtimeReading struct {
	DeviceKey  string    `json:"device_key"`
	ReadingID  string    `json:"reading_id"`
	PowerWatts float64   `json:"power_watts"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

// DevicePower is a device's most recent power draw
type DevicePower struct {
	DeviceKey  string    `json:"device_key"`
	PowerWatts float64   `json:"power_watts"`
	ObservedAt time.Time `json:"observed_at"`
}

// Overview holds tenant real-time metrics
type Overview struct {
	ActiveDevices     int           `json:"active_devices"`
	TotalPowerWatts   float64       `json:"total_power_watts"`
	AvgPowerPerDevice float64       `json:"avg_power_per_device"`
	HighestConsumer   *DevicePower  `json:"highest_consumer,omitempty"`
	Devices           []DevicePower `json:"devices"`
	WindowStart       time.Time     `json:"window_start"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// HistoryFilter selects raw readings. Empty DeviceKeys means every device of
// the tenant.
type HistoryFilter struct {
	DeviceKeys []string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Cursor     string
}

// ReadingView is a raw reading as returned by history queries
type ReadingView struct {
	ID         string    `json:"id"`
	DeviceKey  string    `json:"device_key"`
	PowerWatts float64   `json:"power_watts"`
	ObservedAt time.Time `json:"observed_at"`
	IngestedAt time.Time `json:"ingested_at"`
}

// HistoryPage is one page of readings, newest first
type HistoryPage struct {
	Readings   []ReadingView `json:"readings"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

// HourlyPoint is one hourly aggregate row
type HourlyPoint struct {
	HourStart     time.Time `json:"hour_start"`
	SampleCount   int64     `json:"sample_count"`
	AvgPowerWatts float64   `json:"avg_power_watts"`
	MinPowerWatts float64   `json:"min_power_watts"`
	MaxPowerWatts float64   `json:"max_power_watts"`
	EnergyWh      float64   `json:"energy_wh"`
}

// QueryService answers tenant-scoped read queries, serving from the cache
// where an entry exists and falling back to the durable store.
type QueryService struct {
	store        repository.Store
	cache        *cache.TelemetryCache
	limiter      *ratelimit.Limiter
	clock        clock.Clock
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewQueryService creates a new query service
func NewQueryService(store repository.Store, tc *cache.TelemetryCache, limiter *ratelimit.Limiter, clk clock.Clock, storeTimeout time.Duration, logger *zap.Logger) *QueryService {
	if clk == nil {
		clk = clock.Real()
	}
	if limiter == nil {
		limiter = ratelimit.Disabled()
	}
	return &QueryService{
		store:        store,
		cache:        tc,
		limiter:      limiter,
		clock:        clk,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

func (s *QueryService) admit(ctx context.Context, id identity.Identity) error {
	_, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassQuery)
	return err
}

// authorize confirms the device belongs to the caller's tenant. Devices of
// other tenants and devices that do not exist are indistinguishable.
func (s *QueryService) authorize(ctx context.Context, tenantID, deviceKey string) error {
	return authorizeDevice(ctx, s.store, s.storeTimeout, tenantID, deviceKey)
}

func authorizeDevice(ctx context.Context, store repository.Store, timeout time.Duration, tenantID, deviceKey string) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if _, err := store.GetDevice(ctx, tenantID, deviceKey); err != nil {
		return forbidIfMissing(err, deviceKey)
	}
	return nil
}

func (s *QueryService) resolveRange(r TimeRange) (time.Time, time.Time, error) {
	end := r.End
	if end.IsZero() {
		end = s.clock.Now()
	}
	start := r.Start
	if start.IsZero() {
		start = end.Add(-defaultRange)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, apperror.NewValidationError("start", "invalid_range", "start must be before end")
	}
	start, end = aggregation.AlignRange(start, end)
	return start, end, nil
}

// DeviceStats returns consumption statistics for one device
func (s *QueryService) DeviceStats(ctx context.Context, id identity.Identity, deviceKey string, r TimeRange) (*DeviceStats, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, id.TenantID, deviceKey); err != nil {
		return nil, err
	}
	start, end, err := s.resolveRange(r)
	if err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = s.cache.StatsKey(ctx, id.TenantID, deviceKey, start, end)
		var cached DeviceStats
		if s.cache.GetStats(ctx, key, &cached) {
			return &cached, nil
		}
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	rs, err := s.store.DeviceRangeStats(storeCtx, id.TenantID, deviceKey, start, end)
	if err != nil {
		return nil, err
	}

	stats := &DeviceStats{
		DeviceKey:     deviceKey,
		Start:         start,
		End:           end,
		SampleCount:   rs.SampleCount,
		TotalEnergyWh: rs.EnergyWh,
		AvgPowerWatts: rs.AvgWatts(),
		MinPowerWatts: rs.MinWatts,
		MaxPowerWatts: rs.MaxWatts,
	}
	if s.cache != nil {
		s.cache.SetStats(ctx, key, stats)
	}
	return stats, nil
}

// Summary returns tenant-wide totals with the top consumers by energy
func (s *QueryService) Summary(ctx context.Context, id identity.Identity, r TimeRange) (*Summary, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	start, end, err := s.resolveRange(r)
	if err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = s.cache.SummaryKey(ctx, id.TenantID, start, end)
		var cached Summary
		if s.cache.GetSummary(ctx, key, &cached) {
			return &cached, nil
		}
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	total, err := s.store.CountDevices(storeCtx, id.TenantID)
	if err != nil {
		return nil, err
	}
	perDevice, err := s.store.TenantRangeStats(storeCtx, id.TenantID, start, end)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Start:            start,
		End:              end,
		TotalDevices:     total,
		ReportingDevices: len(perDevice),
		TopConsumers:     make([]Consumer, 0, topConsumers),
	}

	var samples int64
	var sumWatts float64
	for _, rs := range perDevice {
		summary.TotalEnergyWh += rs.EnergyWh
		samples += rs.SampleCount
		sumWatts += rs.SumWatts
		if len(summary.TopConsumers) < topConsumers {
			summary.TopConsumers = append(summary.TopConsumers, Consumer{
				DeviceKey:     rs.DeviceKey,
				EnergyWh:      rs.EnergyWh,
				AvgPowerWatts: rs.AvgWatts(),
				SampleCount:   rs.SampleCount,
			})
		}
	}
	if samples > 0 {
		summary.AvgPowerWatts = sumWatts / float64(samples)
	}

	peak, err := s.store.PeakHour(storeCtx, id.TenantID, start, end)
	switch {
	case err == nil:
		summary.PeakPowerWatts = peak.MaxWatts
		summary.PeakDeviceKey = peak.DeviceKey
		hourStart := peak.HourStart
		summary.PeakHour = &hourStart
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetSummary(ctx, key, summary)
	}
	return summary, nil
}

// Realtime returns the latest accepted reading of a device
func (s *QueryService) Realtime(ctx context.Context, id identity.Identity, deviceKey string) (*RealtimeReading, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, id.TenantID, deviceKey); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if state, ok := s.cache.GetRealtime(ctx, id.TenantID, deviceKey); ok {
			return &RealtimeReading{
				DeviceKey:  state.DeviceKey,
				ReadingID:  state.ReadingID,
				PowerWatts: state.PowerWatts,
				ObservedAt: state.ObservedAt,
				Source:     "cache",
			}, nil
		}
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	latest, err := s.store.LatestReading(storeCtx, id.TenantID, deviceKey)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("realtime entry rebuilt from store",
		zap.String("tenant_id", id.TenantID),
		zap.String("device_key", deviceKey),
	)

	if s.cache != nil {
		s.cache.SetRealtime(ctx, id.TenantID, cache.RealtimeState{
			DeviceKey:  latest.DeviceKey,
			ReadingID:  latest.ID.String(),
			PowerWatts: latest.PowerWatts,
			ObservedAt: latest.ObservedAt,
		})
	}

	return &RealtimeReading{
		DeviceKey:  latest.DeviceKey,
		ReadingID:  latest.ID.String(),
		PowerWatts: latest.PowerWatts,
		ObservedAt: latest.ObservedAt,
		Source:     "store",
	}, nil
}

// Overview returns the tenant's current power draw across devices that
// reported within the last five minutes
func (s *QueryService) Overview(ctx context.Context, id identity.Identity) (*Overview, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}

	var cached Overview
	if s.cache != nil && s.cache.GetOverview(ctx, id.TenantID, &cached) {
		return &cached, nil
	}

	now := s.clock.Now()
	since := now.Add(-overviewWindow)

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	latest, err := s.store.LatestReadingsSince(storeCtx, id.TenantID, since)
	if err != nil {
		return nil, err
	}

	overview := &Overview{
		ActiveDevices: len(latest),
		Devices:       make([]DevicePower, 0, len(latest)),
		WindowStart:   since,
		GeneratedAt:   now,
	}
	for _, reading := range latest {
		dp := DevicePower{DeviceKey: reading.DeviceKey, PowerWatts: reading.PowerWatts, ObservedAt: reading.ObservedAt}
		overview.Devices = append(overview.Devices, dp)
		overview.TotalPowerWatts += reading.PowerWatts
		if overview.HighestConsumer == nil || dp.PowerWatts > overview.HighestConsumer.PowerWatts {
			highest := dp
			overview.HighestConsumer = &highest
		}
	}
	if overview.ActiveDevices > 0 {
		overview.AvgPowerPerDevice = overview.TotalPowerWatts / float64(overview.ActiveDevices)
	}

	if s.cache != nil {
		s.cache.SetOverview(ctx, id.TenantID, overview)
	}
	return overview, nil
}

// History pages through raw readings, newest first. It is never cached.
func (s *QueryService) History(ctx context.Context, id identity.Identity, filter HistoryFilter) (*HistoryPage, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}

	limit, err := pageSize(filter.Limit)
	if err != nil {
		return nil, err
	}
	if filter.Start != nil && filter.End != nil && !filter.Start.Before(*filter.End) {
		return nil, apperror.NewValidationError("start", "invalid_range", "start must be before end")
	}

	var pos *db.ReadingCursor
	if filter.Cursor != "" {
		if pos, err = DecodeCursor(filter.Cursor); err != nil {
			return nil, err
		}
	}

	deviceKeys := uniqueStrings(filter.DeviceKeys)
	for _, deviceKey := range deviceKeys {
		if err := s.authorize(ctx, id.TenantID, deviceKey); err != nil {
			return nil, err
		}
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	readings, err := s.store.ListReadings(storeCtx, db.ReadingFilter{
		TenantID:   id.TenantID,
		DeviceKeys: deviceKeys,
		Start:      filter.Start,
		End:        filter.End,
		Limit:      limit + 1,
		Cursor:     pos,
	})
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Readings: make([]ReadingView, 0, min(len(readings), limit))}
	if len(readings) > limit {
		page.HasMore = true
		readings = readings[:limit]
	}
	for _, reading := range readings {
		page.Readings = append(page.Readings, ReadingView{
			ID:         reading.ID.String(),
			DeviceKey:  reading.DeviceKey,
			PowerWatts: reading.PowerWatts,
			ObservedAt: reading.ObservedAt,
			IngestedAt: reading.IngestedAt,
		})
	}
	if page.HasMore {
		last := readings[len(readings)-1]
		page.NextCursor = EncodeCursor(db.ReadingCursor{ObservedAt: last.ObservedAt, ID: last.ID})
	}
	return page, nil
}

// HourlySeries returns the hourly aggregate rows of one device
func (s *QueryService) HourlySeries(ctx context.Context, id identity.Identity, deviceKey string, r TimeRange) ([]HourlyPoint, error) {
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, id.TenantID, deviceKey); err != nil {
		return nil, err
	}
	start, end, err := s.resolveRange(r)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	aggregates, err := s.store.HourlyAggregates(storeCtx, id.TenantID, deviceKey, start, end)
	if err != nil {
		return nil, err
	}

	points := make([]HourlyPoint, 0, len(aggregates))
	for _, a := range aggregates {
		points = append(points, HourlyPoint{
			HourStart:     a.HourStart,
			SampleCount:   a.SampleCount,
			AvgPowerWatts: a.AvgWatts(),
			MinPowerWatts: a.MinWatts,
			MaxPowerWatts: a.MaxWatts,
			EnergyWh:      a.EnergyWh,
		})
	}
	return points, nil
}
