package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/db"
)

var baseTime = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	sqlDB, err := db.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLite(sqlDB)
}

func seedDevice(t *testing.T, s *SQLite, tenant, key string) {
	t.Helper()
	_, _, err := s.EnsureDevice(context.Background(), db.Device{
		TenantID: tenant, DeviceKey: key, Name: "Device " + key, IsActive: true, CreatedAt: baseTime,
	})
	require.NoError(t, err)
}

func newReading(tenant, key string, watts float64, at time.Time) (*db.Reading, db.AggregateDelta) {
	r := &db.Reading{
		ID:         uuid.New(),
		TenantID:   tenant,
		DeviceKey:  key,
		PowerWatts: watts,
		ObservedAt: at,
		IngestedAt: at,
	}
	d := db.AggregateDelta{
		TenantID:  tenant,
		DeviceKey: key,
		HourStart: at.Truncate(time.Hour),
		Watts:     watts,
		EnergyWh:  watts / 120,
		At:        at,
	}
	return r, d
}

func TestEnsureDevice_CreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	device := db.Device{TenantID: "t1", DeviceKey: "meter-1", Name: "Meter", IsActive: true, CreatedAt: baseTime}
	first, created, err := s.EnsureDevice(ctx, device)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Meter", first.Name)
	assert.True(t, first.IsActive)
	assert.Equal(t, baseTime, first.CreatedAt)

	device.Name = "Renamed"
	second, created, err := s.EnsureDevice(ctx, device)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Meter", second.Name)
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")

	inactive := false
	location := "basement"
	updated, err := s.UpdateDevice(ctx, "t1", "meter-1", DeviceUpdate{IsActive: &inactive, Location: &location}, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "basement", updated.Location)
	assert.Equal(t, "Device meter-1", updated.Name)

	active, err := s.ListDevices(ctx, "t1", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.UpdateDevice(ctx, "t2", "meter-1", DeviceUpdate{IsActive: &inactive}, baseTime)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestIngestReading_AppliesDelta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")

	for i, watts := range []float64{120, 60, 240} {
		r, d := newReading("t1", "meter-1", watts, baseTime.Add(time.Duration(i)*time.Minute))
		res, err := s.IngestReading(ctx, r, d)
		require.NoError(t, err)
		require.True(t, res.Inserted)
		assert.Equal(t, int64(i+1), res.Aggregate.SampleCount)
	}

	agg, err := s.GetHourlyAggregate(ctx, db.BucketKey{TenantID: "t1", DeviceKey: "meter-1", HourStart: baseTime})
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.SampleCount)
	assert.InDelta(t, 420, agg.SumWatts, 1e-9)
	assert.InDelta(t, 60, agg.MinWatts, 1e-9)
	assert.InDelta(t, 240, agg.MaxWatts, 1e-9)
	assert.InDelta(t, 3.5, agg.EnergyWh, 1e-9)
	assert.InDelta(t, 140, agg.AvgWatts(), 1e-9)
}

func TestIngestReading_DuplicateSubmissionSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")

	submission := "batch-1"
	seq := 0

	r, d := newReading("t1", "meter-1", 100, baseTime)
	r.SubmissionID, r.SubmissionSeq = &submission, &seq
	res, err := s.IngestReading(ctx, r, d)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	retry, d := newReading("t1", "meter-1", 100, baseTime)
	retry.SubmissionID, retry.SubmissionSeq = &submission, &seq
	res, err = s.IngestReading(ctx, retry, d)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Nil(t, res.Aggregate)

	agg, err := s.GetHourlyAggregate(ctx, db.BucketKey{TenantID: "t1", DeviceKey: "meter-1", HourStart: baseTime})
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.SampleCount)
}

func TestListReadings_CursorPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")
	seedDevice(t, s, "t1", "meter-2")

	for i := 0; i < 5; i++ {
		r, d := newReading("t1", "meter-1", float64(i), baseTime.Add(time.Duration(i)*time.Minute))
		_, err := s.IngestReading(ctx, r, d)
		require.NoError(t, err)
	}
	r, d := newReading("t1", "meter-2", 7, baseTime)
	_, err := s.IngestReading(ctx, r, d)
	require.NoError(t, err)

	filter := db.ReadingFilter{TenantID: "t1", DeviceKeys: []string{"meter-1"}, Limit: 2}
	var seen []float64
	for {
		page, err := s.ListReadings(ctx, filter)
		require.NoError(t, err)
		for _, reading := range page {
			seen = append(seen, reading.PowerWatts)
		}
		if len(page) < filter.Limit {
			break
		}
		last := page[len(page)-1]
		filter.Cursor = &db.ReadingCursor{ObservedAt: last.ObservedAt, ID: last.ID}
	}
	assert.Equal(t, []float64{4, 3, 2, 1, 0}, seen)

	start := baseTime.Add(time.Minute)
	end := baseTime.Add(3 * time.Minute)
	ranged, err := s.ListReadings(ctx, db.ReadingFilter{TenantID: "t1", Start: &start, End: &end, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestLatestReadingsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")
	seedDevice(t, s, "t1", "meter-2")

	for i, watts := range []float64{10, 20} {
		r, d := newReading("t1", "meter-1", watts, baseTime.Add(time.Duration(i)*time.Minute))
		_, err := s.IngestReading(ctx, r, d)
		require.NoError(t, err)
	}
	r, d := newReading("t1", "meter-2", 5, baseTime.Add(-time.Hour))
	_, err := s.IngestReading(ctx, r, d)
	require.NoError(t, err)

	latest, err := s.LatestReadingsSince(ctx, "t1", baseTime.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "meter-1", latest[0].DeviceKey)
	assert.InDelta(t, 20, latest[0].PowerWatts, 1e-9)

	_, err = s.LatestReading(ctx, "t1", "meter-3")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestTenantRangeStatsAndPeak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")
	seedDevice(t, s, "t1", "meter-2")

	inputs := []struct {
		key   string
		watts float64
		at    time.Time
	}{
		{"meter-1", 100, baseTime},
		{"meter-1", 300, baseTime.Add(time.Hour)},
		{"meter-2", 900, baseTime.Add(30 * time.Minute)},
	}
	for _, in := range inputs {
		r, d := newReading("t1", in.key, in.watts, in.at)
		_, err := s.IngestReading(ctx, r, d)
		require.NoError(t, err)
	}

	stats, err := s.TenantRangeStats(ctx, "t1", baseTime, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "meter-2", stats[0].DeviceKey)
	assert.Equal(t, int64(2), stats[1].SampleCount)
	assert.InDelta(t, 200, stats[1].AvgWatts(), 1e-9)

	device, err := s.DeviceRangeStats(ctx, "t1", "meter-1", baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), device.SampleCount)

	peak, err := s.PeakHour(ctx, "t1", baseTime, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "meter-2", peak.DeviceKey)
	assert.Equal(t, baseTime, peak.HourStart)

	_, err = s.PeakHour(ctx, "t2", baseTime, baseTime.Add(time.Hour))
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestReconcileBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "t1", "meter-1")

	r, d := newReading("t1", "meter-1", 100, baseTime)
	_, err := s.IngestReading(ctx, r, d)
	require.NoError(t, err)

	pending, err := s.PendingReconciliation(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := s.ReconcileBucket(ctx, pending[0], 1.0/120, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	require.NotNil(t, res.After.ReconciledAt)

	pending, err = s.PendingReconciliation(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// a late arrival reopens the bucket
	late, d := newReading("t1", "meter-1", 20, baseTime.Add(10*time.Minute))
	d.At = baseTime.Add(2 * time.Hour)
	_, err = s.IngestReading(ctx, late, d)
	require.NoError(t, err)

	pending, err = s.PendingReconciliation(ctx, baseTime.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err = s.ReconcileBucket(ctx, pending[0], 1.0/120, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.After.SampleCount)
	assert.InDelta(t, 20, res.After.MinWatts, 1e-9)
	assert.InDelta(t, 1.0, res.After.EnergyWh, 1e-9)
}
