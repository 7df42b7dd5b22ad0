package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/aggregation"
	"github.com/septivank/energy-telemetry-service/internal/anomaly"
	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/mq"
	"github.com/septivank/energy-telemetry-service/internal/ratelimit"
	"github.com/septivank/energy-telemetry-service/internal/repository"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

var (
	now     = time.Date(2026, 3, 10, 14, 20, 0, 0, time.UTC)
	tenant1 = identity.Identity{TenantID: "t1", Role: identity.RoleUser}
	tenant2 = identity.Identity{TenantID: "t2", Role: identity.RoleUser}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.ReadingAcceptedEvent
}

func (p *recordingPublisher) PublishReadingAccepted(_ context.Context, event mq.ReadingAcceptedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// flakyStore fails the first n ingest writes with a transient error
type flakyStore struct {
	repository.Store
	failures atomic.Int32
}

func (s *flakyStore) IngestReading(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (repository.IngestResult, error) {
	if s.failures.Add(-1) >= 0 {
		return repository.IngestResult{}, apperror.StoreUnavailable(errors.New("connection reset by peer"))
	}
	return s.Store.IngestReading(ctx, reading, delta)
}

type fixtureOptions struct {
	rules        map[ratelimit.RouteClass]ratelimit.Rule
	autoRegister bool
	maxBatch     int
	wrap         func(repository.Store) repository.Store
}

type fixture struct {
	sqlite    *repository.SQLite
	store     repository.Store
	clock     *clock.FakeClock
	cache     *cache.TelemetryCache
	limiter   *ratelimit.Limiter
	validator *validator.Validator
	events    *recordingPublisher
	ingest    *IngestService
	query     *QueryService
	devices   *DeviceService
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{autoRegister: true, maxBatch: 1000}
	for _, opt := range opts {
		opt(&o)
	}

	sqlDB, err := db.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &fixture{
		sqlite: repository.NewSQLite(sqlDB),
		clock:  clock.NewFakeClock(now),
		events: &recordingPublisher{},
	}
	f.store = f.sqlite
	if o.wrap != nil {
		f.store = o.wrap(f.sqlite)
	}

	f.cache = newCache(f.clock)
	f.limiter = ratelimit.Disabled()
	if o.rules != nil {
		f.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryCounter(f.clock), o.rules, f.clock, 0, zap.NewNop(), nil)
	}
	f.validator = validator.NewValidator(config.ValidationConfig{
		MaxPowerWatts:   50000,
		FutureSkew:      5 * time.Minute,
		RetentionWindow: 365 * 24 * time.Hour,
		MaxDeviceKeyLen: 255,
		MaxBatchSize:    o.maxBatch,
	})

	f.ingest = f.newIngest(f.cache, o.autoRegister)
	f.query = NewQueryService(f.store, f.cache, f.limiter, f.clock, time.Second, zap.NewNop())
	f.devices = NewDeviceService(f.store, f.cache, f.limiter, f.validator, f.clock, time.Second, zap.NewNop())
	return f
}

func newCache(clk clock.Clock) *cache.TelemetryCache {
	return cache.NewTelemetryCache(cache.NewMemoryStore(clk), zap.NewNop(), nil, config.CacheConfig{
		RealtimeTTL: 5 * time.Minute,
		OverviewTTL: 30 * time.Second,
		SummaryTTL:  5 * time.Minute,
	}, 24*time.Hour)
}

func (f *fixture) newIngest(tc *cache.TelemetryCache, autoRegister bool) *IngestService {
	engine := aggregation.NewEngine(f.store, tc, 30*time.Second, f.clock, zap.NewNop(), nil,
		aggregation.WithDetector(anomaly.NewDetector(3.0, 3)),
	)
	return NewIngestService(IngestDeps{
		Store:     f.store,
		Engine:    engine,
		Cache:     tc,
		Limiter:   f.limiter,
		Validator: f.validator,
		Publisher: f.events,
		Clock:     f.clock,
		Config: config.IngestConfig{
			AutoRegisterDevices: autoRegister,
			RetryMaxAttempts:    3,
			RetryInitialBackoff: time.Millisecond,
			RetryMaxBackoff:     5 * time.Millisecond,
		},
		StoreTimeout: time.Second,
		Logger:       zap.NewNop(),
	})
}

func (f *fixture) bucket(t *testing.T, tenantID, deviceKey string, at time.Time) *db.HourlyAggregate {
	t.Helper()
	agg, err := f.sqlite.GetHourlyAggregate(context.Background(), db.BucketKey{
		TenantID:  tenantID,
		DeviceKey: deviceKey,
		HourStart: aggregation.HourStart(at),
	})
	require.NoError(t, err)
	return agg
}

func raw(deviceKey string, watts float64, at time.Time) validator.RawReading {
	return validator.RawReading{DeviceKey: deviceKey, PowerWatts: &watts, Timestamp: at.Format(time.RFC3339)}
}

func TestSubmitBatch_MixedValidityAcceptsValidElements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.ingest.SubmitBatch(ctx, tenant1, Batch{Readings: []validator.RawReading{
		raw("m1", 100, now.Add(-10*time.Minute)),
		raw("m1", -5, now.Add(-9*time.Minute)),
		raw("m1", 300, now.Add(-8*time.Minute)),
	}})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, StatusAccepted, result.Outcomes[0].Status)
	assert.Equal(t, StatusRejected, result.Outcomes[1].Status)
	assert.Equal(t, validator.CodeNegative, result.Outcomes[1].Errors[0].Code)
	assert.Equal(t, StatusAccepted, result.Outcomes[2].Status)

	agg := f.bucket(t, "t1", "m1", now)
	assert.Equal(t, int64(2), agg.SampleCount)
	assert.InDelta(t, 400, agg.SumWatts, 1e-9)
	assert.InDelta(t, 100, agg.MinWatts, 1e-9)
	assert.InDelta(t, 300, agg.MaxWatts, 1e-9)
	assert.InDelta(t, 400.0/120, agg.EnergyWh, 1e-9)

	assert.Equal(t, 2, f.events.count())
}

func TestSubmitBatch_FramingRejectsWholeBatch(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.maxBatch = 2 })
	ctx := context.Background()

	_, err := f.ingest.SubmitBatch(ctx, tenant1, Batch{})
	vErr, ok := apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, validator.CodeEmptyBatch, vErr.Errors[0].Code)

	_, err = f.ingest.SubmitBatch(ctx, tenant1, Batch{Readings: []validator.RawReading{
		raw("m1", 1, now), raw("m1", 2, now), raw("m1", 3, now),
	}})
	vErr, ok = apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, validator.CodeBatchTooLarge, vErr.Errors[0].Code)

	_, err = f.sqlite.GetDevice(ctx, "t1", "m1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestSubmitBatch_ResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := Batch{SubmissionID: "sub-1", Readings: []validator.RawReading{
		raw("m1", 120, now.Add(-2*time.Minute)),
		raw("m1", 180, now.Add(-time.Minute)),
	}}

	first, err := f.ingest.SubmitBatch(ctx, tenant1, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Accepted)

	replayed, err := f.ingest.SubmitBatch(ctx, tenant1, batch)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, 0, replayed.Accepted)
	assert.Equal(t, 2, replayed.Duplicates)
	assert.Equal(t, StatusDuplicate, replayed.Outcomes[0].Status)

	// without the replay entry the submission slots still deduplicate
	uncached := f.newIngest(newCache(f.clock), true)
	again, err := uncached.SubmitBatch(ctx, tenant1, batch)
	require.NoError(t, err)
	assert.False(t, again.Replayed)
	assert.Equal(t, 2, again.Duplicates)

	agg := f.bucket(t, "t1", "m1", now)
	assert.Equal(t, int64(2), agg.SampleCount)
	assert.InDelta(t, 300, agg.SumWatts, 1e-9)
	assert.Equal(t, 2, f.events.count())
}

func TestSubmit_ThrottledAfterLimitUntilWindowRollover(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) {
		o.rules = map[ratelimit.RouteClass]ratelimit.Rule{
			ratelimit.ClassIngest: {Limit: 5, Window: time.Minute},
		}
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		outcome, err := f.ingest.Submit(ctx, tenant1, raw("m1", float64(100+i), now), "", "")
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, outcome.Status)
	}

	_, err := f.ingest.Submit(ctx, tenant1, raw("m1", 200, now), "", "")
	tErr, ok := apperror.AsThrottled(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, tErr.RetryAfter)
	assert.Equal(t, int64(5), f.bucket(t, "t1", "m1", now).SampleCount)

	// other tenants keep their own window
	_, err = f.ingest.Submit(ctx, tenant2, raw("m1", 200, now), "", "")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.ingest.Submit(ctx, tenant1, raw("m1", 200, f.clock.Now()), "", "")
	require.NoError(t, err)
}

func TestSubmit_ValidationAndDevicePolicy(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) { o.autoRegister = false })
	ctx := context.Background()

	_, err := f.ingest.Submit(ctx, tenant1, raw("m1", 60000, now), "", "")
	vErr, ok := apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, validator.CodeOutOfRange, vErr.Errors[0].Code)

	_, err = f.ingest.Submit(ctx, tenant1, raw("m1", 100, now), "", "")
	vErr, ok = apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownDevice, vErr.Errors[0].Code)

	_, err = f.devices.Register(ctx, tenant1, validator.DeviceInput{DeviceKey: "m1", Name: "Main meter"})
	require.NoError(t, err)
	outcome, err := f.ingest.Submit(ctx, tenant1, raw("m1", 100, now), "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, outcome.Status)

	_, err = f.devices.Deactivate(ctx, tenant1, "m1")
	require.NoError(t, err)
	_, err = f.ingest.Submit(ctx, tenant1, raw("m1", 100, now), "", "")
	vErr, ok = apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeDeviceInactive, vErr.Errors[0].Code)
}

func TestSubmitBatch_RetriesTransientStoreFailures(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(o *fixtureOptions) {
		o.wrap = func(s repository.Store) repository.Store {
			flaky = &flakyStore{Store: s}
			return flaky
		}
	})
	ctx := context.Background()

	flaky.failures.Store(2)
	result, err := f.ingest.SubmitBatch(ctx, tenant1, Batch{SubmissionID: "sub-r", Readings: []validator.RawReading{
		raw("m1", 100, now),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	flaky.failures.Store(10)
	result, err = f.ingest.SubmitBatch(ctx, tenant1, Batch{SubmissionID: "sub-f", Readings: []validator.RawReading{
		raw("m1", 150, now),
		raw("m1", -1, now),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, StatusFailed, result.Outcomes[0].Status)

	// a partially failed batch is not replayed, so a retransmit writes the missing element
	flaky.failures.Store(0)
	result, err = f.ingest.SubmitBatch(ctx, tenant1, Batch{SubmissionID: "sub-f", Readings: []validator.RawReading{
		raw("m1", 150, now),
		raw("m1", -1, now),
	}})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, 1, result.Accepted)

	assert.Equal(t, int64(2), f.bucket(t, "t1", "m1", now).SampleCount)
}

func TestSubmit_StoreUnavailableAfterRetries(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(o *fixtureOptions) {
		o.wrap = func(s repository.Store) repository.Store {
			flaky = &flakyStore{Store: s}
			return flaky
		}
	})
	flaky.failures.Store(10)

	outcome, err := f.ingest.Submit(context.Background(), tenant1, raw("m1", 100, now), "", "")
	assert.ErrorIs(t, err, apperror.ErrStoreUnavailable)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 0, f.events.count())
}

func TestRealtime_ReturnsLatestAcceptedReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingest.Submit(ctx, tenant1, raw("m1", 250, now.Add(-time.Minute)), "", "")
	require.NoError(t, err)
	// an older observation arriving later must not replace the newer value
	_, err = f.ingest.Submit(ctx, tenant1, raw("m1", 90, now.Add(-3*time.Minute)), "", "")
	require.NoError(t, err)

	rt, err := f.query.Realtime(ctx, tenant1, "m1")
	require.NoError(t, err)
	assert.Equal(t, "cache", rt.Source)
	assert.InDelta(t, 250, rt.PowerWatts, 1e-9)

	cold := NewQueryService(f.store, newCache(f.clock), nil, f.clock, time.Second, zap.NewNop())
	rt, err = cold.Realtime(ctx, tenant1, "m1")
	require.NoError(t, err)
	assert.Equal(t, "store", rt.Source)
	assert.InDelta(t, 250, rt.PowerWatts, 1e-9)
	assert.True(t, rt.ObservedAt.Equal(now.Add(-time.Minute)))
}

func TestQueries_RejectDevicesOfOtherTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingest.Submit(ctx, tenant1, raw("m1", 100, now), "", "")
	require.NoError(t, err)

	_, err = f.query.DeviceStats(ctx, tenant2, "m1", TimeRange{})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = f.query.Realtime(ctx, tenant2, "m1")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = f.query.HourlySeries(ctx, tenant2, "m1", TimeRange{})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = f.query.History(ctx, tenant2, HistoryFilter{DeviceKeys: []string{"m1"}})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = f.devices.Get(ctx, tenant2, "m1")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = f.devices.Deactivate(ctx, tenant2, "m1")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	summary, err := f.query.Summary(ctx, tenant2, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalDevices)
	assert.Zero(t, summary.TotalEnergyWh)
}

func TestDeviceStats_LateArrivalInvalidatesCachedStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := TimeRange{Start: now.Add(-2 * time.Hour), End: now}

	_, err := f.ingest.Submit(ctx, tenant1, raw("m1", 100, now.Add(-5*time.Minute)), "", "")
	require.NoError(t, err)

	stats, err := f.query.DeviceStats(ctx, tenant1, "m1", r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SampleCount)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), stats.Start)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), stats.End)

	// a reading for the already closed 13:00 hour
	late := now.Add(-50 * time.Minute)
	_, err = f.ingest.Submit(ctx, tenant1, raw("m1", 300, late), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.bucket(t, "t1", "m1", late).SampleCount)

	stats, err = f.query.DeviceStats(ctx, tenant1, "m1", r)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.SampleCount)
	assert.InDelta(t, 200, stats.AvgPowerWatts, 1e-9)
	assert.InDelta(t, 300, stats.MaxPowerWatts, 1e-9)
	assert.InDelta(t, 400.0/120, stats.TotalEnergyWh, 1e-9)

	_, err = f.query.DeviceStats(ctx, tenant1, "m1", TimeRange{Start: now, End: now.Add(-time.Hour)})
	_, ok := apperror.AsValidation(err)
	assert.True(t, ok)
}

func TestSummary_TotalsPeakAndTopConsumers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	watts := map[string][]float64{
		"m1": {100, 100},
		"m2": {500, 700},
		"m3": {50},
	}
	for device, values := range watts {
		for i, w := range values {
			_, err := f.ingest.Submit(ctx, tenant1, raw(device, w, now.Add(-time.Duration(i+1)*time.Minute)), "", "")
			require.NoError(t, err)
		}
	}

	summary, err := f.query.Summary(ctx, tenant1, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalDevices)
	assert.Equal(t, 3, summary.ReportingDevices)
	assert.InDelta(t, 1450.0/120, summary.TotalEnergyWh, 1e-9)
	assert.InDelta(t, 1450.0/5, summary.AvgPowerWatts, 1e-9)
	assert.InDelta(t, 700, summary.PeakPowerWatts, 1e-9)
	assert.Equal(t, "m2", summary.PeakDeviceKey)
	require.NotNil(t, summary.PeakHour)
	assert.Equal(t, aggregation.HourStart(now), *summary.PeakHour)
	require.Len(t, summary.TopConsumers, 3)
	assert.Equal(t, "m2", summary.TopConsumers[0].DeviceKey)
	assert.Equal(t, "m1", summary.TopConsumers[1].DeviceKey)
}

func TestOverview_CountsDevicesReportingInLastFiveMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, r := range []validator.RawReading{
		raw("m1", 100, now.Add(-2*time.Minute)),
		raw("m1", 150, now.Add(-time.Minute)),
		raw("m2", 400, now.Add(-3*time.Minute)),
		raw("m3", 900, now.Add(-20*time.Minute)),
	} {
		_, err := f.ingest.Submit(ctx, tenant1, r, "", "")
		require.NoError(t, err)
	}

	overview, err := f.query.Overview(ctx, tenant1)
	require.NoError(t, err)
	assert.Equal(t, 2, overview.ActiveDevices)
	assert.InDelta(t, 550, overview.TotalPowerWatts, 1e-9)
	assert.InDelta(t, 275, overview.AvgPowerPerDevice, 1e-9)
	require.NotNil(t, overview.HighestConsumer)
	assert.Equal(t, "m2", overview.HighestConsumer.DeviceKey)

	// an accepted reading drops the cached overview
	_, err = f.ingest.Submit(ctx, tenant1, raw("m3", 50, now), "", "")
	require.NoError(t, err)
	overview, err = f.query.Overview(ctx, tenant1)
	require.NoError(t, err)
	assert.Equal(t, 3, overview.ActiveDevices)
}

func TestHistory_PaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.ingest.Submit(ctx, tenant1, raw("m1", float64(i), now.Add(-time.Duration(i)*time.Minute)), "", "")
		require.NoError(t, err)
	}

	var seen []float64
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, err := f.query.History(ctx, tenant1, HistoryFilter{DeviceKeys: []string{"m1"}, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, r := range page.Readings {
			seen = append(seen, r.PowerWatts)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, seen)

	_, err := f.query.History(ctx, tenant1, HistoryFilter{Cursor: "not-a-cursor"})
	_, ok := apperror.AsValidation(err)
	assert.True(t, ok)

	_, err = f.query.History(ctx, tenant1, HistoryFilter{Limit: 5000})
	_, ok = apperror.AsValidation(err)
	assert.True(t, ok)
}

func TestDeviceService_RegisterUpdateList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered, err := f.devices.Register(ctx, tenant1, validator.DeviceInput{DeviceKey: " m1 ", Name: "Main", Category: "hvac"})
	require.NoError(t, err)
	assert.Equal(t, "m1", registered.DeviceKey)
	assert.True(t, registered.IsActive)

	location := "basement"
	updated, err := f.devices.Update(ctx, tenant1, "m1", repository.DeviceUpdate{Location: &location})
	require.NoError(t, err)
	assert.Equal(t, "basement", updated.Location)
	assert.Equal(t, "hvac", updated.Category)

	long := string(make([]byte, 300))
	_, err = f.devices.Update(ctx, tenant1, "m1", repository.DeviceUpdate{Name: &long})
	_, ok := apperror.AsValidation(err)
	assert.True(t, ok)

	_, err = f.devices.Deactivate(ctx, tenant1, "m1")
	require.NoError(t, err)

	active, err := f.devices.List(ctx, tenant1, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := f.devices.List(ctx, tenant1, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
}

func TestMessageProcessor(t *testing.T) {
	f := newFixture(t)
	processor := NewMessageProcessor(f.ingest, zap.NewNop())
	ctx := context.Background()

	err := processor.ProcessMessage(ctx, []byte("{not json"))
	require.Error(t, err)
	assert.False(t, apperror.IsRetryable(err))

	err = processor.ProcessMessage(ctx, []byte(`{"request_id":"r1","readings":[]}`))
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	body := []byte(`{"request_id":"r1","tenant_id":"t1","submission_id":"s1","readings":[` +
		`{"device_key":"m1","power_watts":120,"timestamp":"2026-03-10T14:15:00Z"},` +
		`{"device_key":"m1","power_watts":-3,"timestamp":"2026-03-10T14:16:00Z"}]}`)
	require.NoError(t, processor.ProcessMessage(ctx, body))
	require.NoError(t, processor.ProcessMessage(ctx, body))

	assert.Equal(t, int64(1), f.bucket(t, "t1", "m1", now).SampleCount)
}

func TestCursorRoundTrip(t *testing.T) {
	pos := db.ReadingCursor{ObservedAt: now.Add(123 * time.Millisecond)}
	decoded, err := DecodeCursor(EncodeCursor(pos))
	require.NoError(t, err)
	assert.True(t, decoded.ObservedAt.Equal(pos.ObservedAt))
	assert.Equal(t, pos.ID, decoded.ID)
}

func TestSubmitBatch_ReplayIsScopedToTenantWithColons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := identity.Identity{TenantID: "acme", Role: identity.RoleUser}
	acmeEU := identity.Identity{TenantID: "acme:eu", Role: identity.RoleUser}

	first, err := f.ingest.SubmitBatch(ctx, acme, Batch{SubmissionID: "eu:1", Readings: []validator.RawReading{
		raw("m1", 100, now.Add(-time.Minute)),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	second, err := f.ingest.SubmitBatch(ctx, acmeEU, Batch{SubmissionID: "1", Readings: []validator.RawReading{
		raw("m9", 250, now.Add(-time.Minute)),
	}})
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.Equal(t, 1, second.Accepted)

	agg := f.bucket(t, "acme:eu", "m9", now)
	assert.Equal(t, int64(1), agg.SampleCount)
}

func TestDeviceStats_NotSharedAcrossTenantsWithColons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := identity.Identity{TenantID: "acme", Role: identity.RoleUser}
	acmeEU := identity.Identity{TenantID: "acme:eu", Role: identity.RoleUser}

	_, err := f.ingest.SubmitBatch(ctx, acme, Batch{Readings: []validator.RawReading{raw("eu:m1", 500, now.Add(-time.Minute))}})
	require.NoError(t, err)
	_, err = f.ingest.SubmitBatch(ctx, acmeEU, Batch{Readings: []validator.RawReading{raw("m1", 20, now.Add(-time.Minute))}})
	require.NoError(t, err)

	r := TimeRange{Start: now.Add(-time.Hour), End: now}
	acmeStats, err := f.query.DeviceStats(ctx, acme, "eu:m1", r)
	require.NoError(t, err)
	assert.InDelta(t, 500, acmeStats.MaxPowerWatts, 1e-9)

	euStats, err := f.query.DeviceStats(ctx, acmeEU, "m1", r)
	require.NoError(t, err)
	assert.InDelta(t, 20, euStats.MaxPowerWatts, 1e-9)
}

func TestSubmit_IdempotencyKeyDoesNotCollideWithBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	single, err := f.ingest.Submit(ctx, tenant1, raw("m1", 100, now.Add(-2*time.Minute)), "req-1", "k")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, single.Status)

	again, err := f.ingest.Submit(ctx, tenant1, raw("m1", 100, now.Add(-2*time.Minute)), "req-2", "k")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)

	batch, err := f.ingest.SubmitBatch(ctx, tenant1, Batch{SubmissionID: "k", Readings: []validator.RawReading{
		raw("m1", 300, now.Add(-time.Minute)),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, StatusAccepted, batch.Outcomes[0].Status)

	agg := f.bucket(t, "t1", "m1", now)
	assert.Equal(t, int64(2), agg.SampleCount)
}
