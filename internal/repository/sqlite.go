package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/db"
)

// SQLite is the embedded Store. The handle must be opened with db.OpenSQLite,
// which pins it to one connection; methods never use the handle while holding
// a transaction.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open SQLite handle
func NewSQLite(sqlDB *sql.DB) *SQLite {
	return &SQLite{db: sqlDB}
}

var _ Store = (*SQLite)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func sqliteScanDevice(row rowScanner) (*db.Device, error) {
	var (
		d                    db.Device
		createdAt, updatedAt int64
	)
	if err := row.Scan(&d.TenantID, &d.DeviceKey, &d.Name, &d.Category, &d.Location, &d.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

func sqliteScanReading(row rowScanner) (*db.Reading, error) {
	var (
		r                      db.Reading
		observedAt, ingestedAt int64
		submissionID           sql.NullString
		submissionSeq          sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.DeviceKey, &r.PowerWatts, &observedAt, &ingestedAt, &submissionID, &submissionSeq); err != nil {
		return nil, err
	}
	r.ObservedAt = fromMillis(observedAt)
	r.IngestedAt = fromMillis(ingestedAt)
	if submissionID.Valid {
		r.SubmissionID = &submissionID.String
	}
	if submissionSeq.Valid {
		seq := int(submissionSeq.Int64)
		r.SubmissionSeq = &seq
	}
	return &r, nil
}

func sqliteScanAggregate(row rowScanner) (*db.HourlyAggregate, error) {
	var (
		a                    db.HourlyAggregate
		hourStart, updatedAt int64
		reconciledAt         sql.NullInt64
	)
	if err := row.Scan(&a.TenantID, &a.DeviceKey, &hourStart, &a.SampleCount, &a.SumWatts, &a.MinWatts, &a.MaxWatts, &a.EnergyWh, &updatedAt, &reconciledAt); err != nil {
		return nil, err
	}
	a.HourStart = fromMillis(hourStart)
	a.UpdatedAt = fromMillis(updatedAt)
	if reconciledAt.Valid {
		t := fromMillis(reconciledAt.Int64)
		a.ReconciledAt = &t
	}
	return &a, nil
}

func (s *SQLite) GetDevice(ctx context.Context, tenantID, deviceKey string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE tenant_id = ? AND device_key = ?`

	device, err := sqliteScanDevice(s.db.QueryRowContext(ctx, query, tenantID, deviceKey))
	if err != nil {
		return nil, wrap(err, "query device")
	}
	return device, nil
}

func (s *SQLite) EnsureDevice(ctx context.Context, device db.Device) (*db.Device, bool, error) {
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, device_key) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		device.TenantID, device.DeviceKey, device.Name, device.Category, device.Location,
		device.IsActive, toMillis(device.CreatedAt), toMillis(device.CreatedAt),
	)
	if err != nil {
		return nil, false, wrap(err, "create device")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, wrap(err, "create device")
	}

	stored, err := s.GetDevice(ctx, device.TenantID, device.DeviceKey)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

func (s *SQLite) UpsertDevice(ctx context.Context, device db.Device) (*db.Device, error) {
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (tenant_id, device_key) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			location = excluded.location,
			is_active = 1,
			updated_at = excluded.updated_at
		RETURNING ` + deviceColumns

	stored, err := sqliteScanDevice(s.db.QueryRowContext(ctx, query,
		device.TenantID, device.DeviceKey, device.Name, device.Category, device.Location,
		toMillis(device.CreatedAt), toMillis(device.CreatedAt),
	))
	if err != nil {
		return nil, wrap(err, "upsert device")
	}
	return stored, nil
}

func (s *SQLite) UpdateDevice(ctx context.Context, tenantID, deviceKey string, update DeviceUpdate, now time.Time) (*db.Device, error) {
	query := `
		UPDATE devices SET
			name = COALESCE(?, name),
			category = COALESCE(?, category),
			location = COALESCE(?, location),
			is_active = COALESCE(?, is_active),
			updated_at = ?
		WHERE tenant_id = ? AND device_key = ?
		RETURNING ` + deviceColumns

	stored, err := sqliteScanDevice(s.db.QueryRowContext(ctx, query,
		update.Name, update.Category, update.Location, update.IsActive, toMillis(now), tenantID, deviceKey,
	))
	if err != nil {
		return nil, wrap(err, "update device")
	}
	return stored, nil
}

func (s *SQLite) ListDevices(ctx context.Context, tenantID string, activeOnly bool) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY device_key`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, wrap(err, "query devices")
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		d, err := sqliteScanDevice(rows)
		if err != nil {
			return nil, wrap(err, "scan device")
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate devices")
	}
	return devices, nil
}

func (s *SQLite) CountDevices(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE tenant_id = ? AND is_active = 1`, tenantID).Scan(&n)
	if err != nil {
		return 0, wrap(err, "count devices")
	}
	return n, nil
}

func (s *SQLite) IngestReading(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (IngestResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IngestResult{}, wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	insertQuery := `
		INSERT INTO readings (` + readingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	res, err := tx.ExecContext(ctx, insertQuery,
		reading.ID.String(), reading.TenantID, reading.DeviceKey, reading.PowerWatts,
		toMillis(reading.ObservedAt), toMillis(reading.IngestedAt), reading.SubmissionID, reading.SubmissionSeq,
	)
	if err != nil {
		return IngestResult{}, wrap(err, "insert reading")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return IngestResult{}, wrap(err, "insert reading")
	}
	if affected == 0 {
		return IngestResult{}, nil
	}

	deltaQuery := `
		INSERT INTO hourly_aggregates (
			tenant_id, device_key, hour_start, sample_count,
			sum_watts, min_watts, max_watts, energy_wh, updated_at
		)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, device_key, hour_start) DO UPDATE SET
			sample_count = hourly_aggregates.sample_count + 1,
			sum_watts = hourly_aggregates.sum_watts + excluded.sum_watts,
			min_watts = MIN(hourly_aggregates.min_watts, excluded.min_watts),
			max_watts = MAX(hourly_aggregates.max_watts, excluded.max_watts),
			energy_wh = hourly_aggregates.energy_wh + excluded.energy_wh,
			updated_at = MAX(hourly_aggregates.updated_at, excluded.updated_at)
		RETURNING ` + aggregateColumns
	agg, err := sqliteScanAggregate(tx.QueryRowContext(ctx, deltaQuery,
		delta.TenantID, delta.DeviceKey, toMillis(delta.HourStart),
		delta.Watts, delta.Watts, delta.Watts, delta.EnergyWh, toMillis(delta.At),
	))
	if err != nil {
		return IngestResult{}, wrap(err, "apply aggregate delta")
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, wrap(err, "commit reading")
	}
	return IngestResult{Inserted: true, Aggregate: agg}, nil
}

func (s *SQLite) LatestReading(ctx context.Context, tenantID, deviceKey string) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE tenant_id = ? AND device_key = ?
		ORDER BY observed_at DESC, id DESC
		LIMIT 1
	`

	reading, err := sqliteScanReading(s.db.QueryRowContext(ctx, query, tenantID, deviceKey))
	if err != nil {
		return nil, wrap(err, "query latest reading")
	}
	return reading, nil
}

func (s *SQLite) LatestReadingsSince(ctx context.Context, tenantID string, since time.Time) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + ` FROM (
			SELECT ` + readingColumns + `,
				ROW_NUMBER() OVER (PARTITION BY device_key ORDER BY observed_at DESC, id DESC) AS rn
			FROM readings
			WHERE tenant_id = ? AND observed_at >= ?
		)
		WHERE rn = 1
		ORDER BY device_key
	`
	return s.queryReadings(ctx, "query latest readings", query, tenantID, toMillis(since))
}

func (s *SQLite) ListReadings(ctx context.Context, filter db.ReadingFilter) ([]db.Reading, error) {
	conds := []string{"tenant_id = ?"}
	args := []any{filter.TenantID}

	if len(filter.DeviceKeys) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(filter.DeviceKeys)), ", ")
		conds = append(conds, "device_key IN ("+marks+")")
		for _, key := range filter.DeviceKeys {
			args = append(args, key)
		}
	}
	if filter.Start != nil {
		conds = append(conds, "observed_at >= ?")
		args = append(args, toMillis(*filter.Start))
	}
	if filter.End != nil {
		conds = append(conds, "observed_at < ?")
		args = append(args, toMillis(*filter.End))
	}
	if filter.Cursor != nil {
		conds = append(conds, "(observed_at, id) < (?, ?)")
		args = append(args, toMillis(filter.Cursor.ObservedAt), filter.Cursor.ID.String())
	}
	args = append(args, filter.Limit)

	query := `SELECT ` + readingColumns + ` FROM readings WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY observed_at DESC, id DESC LIMIT ?`

	return s.queryReadings(ctx, "query readings", query, args...)
}

func (s *SQLite) queryReadings(ctx context.Context, op, query string, args ...any) ([]db.Reading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		reading, err := sqliteScanReading(rows)
		if err != nil {
			return nil, wrap(err, "scan reading")
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate readings")
	}
	return readings, nil
}

func (s *SQLite) GetHourlyAggregate(ctx context.Context, key db.BucketKey) (*db.HourlyAggregate, error) {
	query := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = ? AND device_key = ? AND hour_start = ?
	`

	agg, err := sqliteScanAggregate(s.db.QueryRowContext(ctx, query, key.TenantID, key.DeviceKey, toMillis(key.HourStart)))
	if err != nil {
		return nil, wrap(err, "query aggregate")
	}
	return agg, nil
}

func (s *SQLite) HourlyAggregates(ctx context.Context, tenantID, deviceKey string, start, end time.Time) ([]db.HourlyAggregate, error) {
	query := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = ? AND device_key = ? AND hour_start >= ? AND hour_start < ?
		ORDER BY hour_start
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, deviceKey, toMillis(start), toMillis(end))
	if err != nil {
		return nil, wrap(err, "query aggregates")
	}
	defer rows.Close()

	var aggregates []db.HourlyAggregate
	for rows.Next() {
		agg, err := sqliteScanAggregate(rows)
		if err != nil {
			return nil, wrap(err, "scan aggregate")
		}
		aggregates = append(aggregates, *agg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate aggregates")
	}
	return aggregates, nil
}

func (s *SQLite) DeviceRangeStats(ctx context.Context, tenantID, deviceKey string, start, end time.Time) (db.RangeStats, error) {
	query := `
		SELECT COALESCE(SUM(sample_count), 0), COALESCE(SUM(sum_watts), 0.0),
			COALESCE(MIN(min_watts), 0.0), COALESCE(MAX(max_watts), 0.0), COALESCE(SUM(energy_wh), 0.0)
		FROM hourly_aggregates
		WHERE tenant_id = ? AND device_key = ? AND hour_start >= ? AND hour_start < ?
	`

	stats := db.RangeStats{DeviceKey: deviceKey}
	err := s.db.QueryRowContext(ctx, query, tenantID, deviceKey, toMillis(start), toMillis(end)).Scan(
		&stats.SampleCount, &stats.SumWatts, &stats.MinWatts, &stats.MaxWatts, &stats.EnergyWh,
	)
	if err != nil {
		return db.RangeStats{}, wrap(err, "query device stats")
	}
	return stats, nil
}

func (s *SQLite) TenantRangeStats(ctx context.Context, tenantID string, start, end time.Time) ([]db.RangeStats, error) {
	query := `
		SELECT device_key, SUM(sample_count), SUM(sum_watts), MIN(min_watts), MAX(max_watts), SUM(energy_wh)
		FROM hourly_aggregates
		WHERE tenant_id = ? AND hour_start >= ? AND hour_start < ?
		GROUP BY device_key
		ORDER BY SUM(energy_wh) DESC, device_key
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, toMillis(start), toMillis(end))
	if err != nil {
		return nil, wrap(err, "query tenant stats")
	}
	defer rows.Close()

	var stats []db.RangeStats
	for rows.Next() {
		var rs db.RangeStats
		if err := rows.Scan(&rs.DeviceKey, &rs.SampleCount, &rs.SumWatts, &rs.MinWatts, &rs.MaxWatts, &rs.EnergyWh); err != nil {
			return nil, wrap(err, "scan tenant stats")
		}
		stats = append(stats, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate tenant stats")
	}
	return stats, nil
}

func (s *SQLite) PeakHour(ctx context.Context, tenantID string, start, end time.Time) (*db.PeakHour, error) {
	query := `
		SELECT device_key, hour_start, max_watts
		FROM hourly_aggregates
		WHERE tenant_id = ? AND hour_start >= ? AND hour_start < ?
		ORDER BY max_watts DESC, hour_start
		LIMIT 1
	`

	var (
		peak      db.PeakHour
		hourStart int64
	)
	if err := s.db.QueryRowContext(ctx, query, tenantID, toMillis(start), toMillis(end)).Scan(&peak.DeviceKey, &hourStart, &peak.MaxWatts); err != nil {
		return nil, wrap(err, "query peak hour")
	}
	peak.HourStart = fromMillis(hourStart)
	return &peak, nil
}

func (s *SQLite) PendingReconciliation(ctx context.Context, closedBefore time.Time, limit int) ([]db.BucketKey, error) {
	query := `
		SELECT tenant_id, device_key, hour_start
		FROM hourly_aggregates
		WHERE hour_start < ? AND (reconciled_at IS NULL OR updated_at > reconciled_at)
		ORDER BY hour_start
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, toMillis(closedBefore), limit)
	if err != nil {
		return nil, wrap(err, "query pending buckets")
	}
	defer rows.Close()

	var keys []db.BucketKey
	for rows.Next() {
		var (
			k         db.BucketKey
			hourStart int64
		)
		if err := rows.Scan(&k.TenantID, &k.DeviceKey, &hourStart); err != nil {
			return nil, wrap(err, "scan bucket key")
		}
		k.HourStart = fromMillis(hourStart)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate bucket keys")
	}
	return keys, nil
}

func (s *SQLite) ReconcileBucket(ctx context.Context, key db.BucketKey, energyPerWatt float64, at time.Time) (ReconcileResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReconcileResult{}, wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	hour := toMillis(key.HourStart)
	selectQuery := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = ? AND device_key = ? AND hour_start = ?
	`
	before, err := sqliteScanAggregate(tx.QueryRowContext(ctx, selectQuery, key.TenantID, key.DeviceKey, hour))
	if err != nil {
		return ReconcileResult{}, wrap(err, "read aggregate")
	}

	recomputeQuery := `
		SELECT COUNT(*), COALESCE(SUM(power_watts), 0.0), COALESCE(MIN(power_watts), 0.0), COALESCE(MAX(power_watts), 0.0)
		FROM readings
		WHERE tenant_id = ? AND device_key = ? AND observed_at >= ? AND observed_at < ?
	`
	after := *before
	err = tx.QueryRowContext(ctx, recomputeQuery, key.TenantID, key.DeviceKey, hour, toMillis(key.HourStart.Add(time.Hour))).Scan(
		&after.SampleCount, &after.SumWatts, &after.MinWatts, &after.MaxWatts,
	)
	if err != nil {
		return ReconcileResult{}, wrap(err, "recompute aggregate")
	}
	after.EnergyWh = after.SumWatts * energyPerWatt
	reconciledAt := at.UTC()
	if before.UpdatedAt.After(reconciledAt) {
		reconciledAt = before.UpdatedAt
	}
	after.ReconciledAt = &reconciledAt

	updateQuery := `
		UPDATE hourly_aggregates SET
			sample_count = ?, sum_watts = ?, min_watts = ?, max_watts = ?, energy_wh = ?, reconciled_at = ?
		WHERE tenant_id = ? AND device_key = ? AND hour_start = ?
	`
	_, err = tx.ExecContext(ctx, updateQuery,
		after.SampleCount, after.SumWatts, after.MinWatts, after.MaxWatts, after.EnergyWh, toMillis(reconciledAt),
		key.TenantID, key.DeviceKey, hour,
	)
	if err != nil {
		return ReconcileResult{}, wrap(err, "update aggregate")
	}

	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, wrap(err, "commit reconciliation")
	}
	return ReconcileResult{Before: *before, After: after, Changed: aggregateDiffers(*before, after)}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return wrap(s.db.PingContext(ctx), "ping database")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
