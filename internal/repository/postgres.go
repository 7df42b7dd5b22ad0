package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/energy-telemetry-service/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository is the PostgreSQL Store
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const deviceColumns = `tenant_id, device_key, name, category, location, is_active, created_at, updated_at`

const readingColumns = `id, tenant_id, device_key, power_watts, observed_at, ingested_at, submission_id, submission_seq`

const aggregateColumns = `tenant_id, device_key, hour_start, sample_count, sum_watts, min_watts, max_watts, energy_wh, updated_at, reconciled_at`

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	if err := row.Scan(&d.TenantID, &d.DeviceKey, &d.Name, &d.Category, &d.Location, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func scanReading(row pgx.Row) (*db.Reading, error) {
	var r db.Reading
	if err := row.Scan(&r.ID, &r.TenantID, &r.DeviceKey, &r.PowerWatts, &r.ObservedAt, &r.IngestedAt, &r.SubmissionID, &r.SubmissionSeq); err != nil {
		return nil, err
	}
	r.ObservedAt = r.ObservedAt.UTC()
	r.IngestedAt = r.IngestedAt.UTC()
	return &r, nil
}

func scanAggregate(row pgx.Row) (*db.HourlyAggregate, error) {
	var a db.HourlyAggregate
	if err := row.Scan(&a.TenantID, &a.DeviceKey, &a.HourStart, &a.SampleCount, &a.SumWatts, &a.MinWatts, &a.MaxWatts, &a.EnergyWh, &a.UpdatedAt, &a.ReconciledAt); err != nil {
		return nil, err
	}
	a.HourStart = a.HourStart.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.ReconciledAt != nil {
		t := a.ReconciledAt.UTC()
		a.ReconciledAt = &t
	}
	return &a, nil
}

// GetDevice returns a tenant's device
func (r *Repository) GetDevice(ctx context.Context, tenantID, deviceKey string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE tenant_id = $1 AND device_key = $2`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, tenantID, deviceKey))
	if err != nil {
		return nil, wrap(err, "query device")
	}
	return device, nil
}

// EnsureDevice registers the device if it does not exist and reports whether it was created
func (r *Repository) EnsureDevice(ctx context.Context, device db.Device) (*db.Device, bool, error) {
	insertQuery := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id, device_key) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, insertQuery,
		device.TenantID,
		device.DeviceKey,
		device.Name,
		device.Category,
		device.Location,
		device.IsActive,
		device.CreatedAt,
	)
	if err != nil {
		return nil, false, wrap(err, "create device")
	}

	stored, err := r.GetDevice(ctx, device.TenantID, device.DeviceKey)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// UpsertDevice registers a device or refreshes its metadata and reactivates it
func (r *Repository) UpsertDevice(ctx context.Context, device db.Device) (*db.Device, error) {
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (tenant_id, device_key) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			location = EXCLUDED.location,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + deviceColumns

	stored, err := scanDevice(r.pool.QueryRow(ctx, query,
		device.TenantID,
		device.DeviceKey,
		device.Name,
		device.Category,
		device.Location,
		device.CreatedAt,
	))
	if err != nil {
		return nil, wrap(err, "upsert device")
	}
	return stored, nil
}

// UpdateDevice applies a partial update to a device
func (r *Repository) UpdateDevice(ctx context.Context, tenantID, deviceKey string, update DeviceUpdate, now time.Time) (*db.Device, error) {
	query := `
		UPDATE devices SET
			name = COALESCE($3, name),
			category = COALESCE($4, category),
			location = COALESCE($5, location),
			is_active = COALESCE($6, is_active),
			updated_at = $7
		WHERE tenant_id = $1 AND device_key = $2
		RETURNING ` + deviceColumns

	stored, err := scanDevice(r.pool.QueryRow(ctx, query,
		tenantID, deviceKey, update.Name, update.Category, update.Location, update.IsActive, now,
	))
	if err != nil {
		return nil, wrap(err, "update device")
	}
	return stored, nil
}

// ListDevices lists a tenant's devices ordered by key
func (r *Repository) ListDevices(ctx context.Context, tenantID string, activeOnly bool) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY device_key`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, wrap(err, "query devices")
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		d, err := scanDevice(rows)
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

// CountDevices counts a tenant's active devices
func (r *Repository) CountDevices(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE tenant_id = $1 AND is_active`, tenantID).Scan(&n)
	if err != nil {
		return 0, wrap(err, "count devices")
	}
	return n, nil
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// IngestReading inserts a reading and applies its aggregate delta in one transaction
func (r *Repository) IngestReading(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (IngestResult, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return IngestResult{}, wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := r.InsertReadingTx(ctx, tx, reading)
	if err != nil {
		return IngestResult{}, err
	}
	if !inserted {
		return IngestResult{}, nil
	}

	agg, err := r.ApplyDeltaTx(ctx, tx, delta)
	if err != nil {
		return IngestResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return IngestResult{}, wrap(err, "commit reading")
	}
	return IngestResult{Inserted: true, Aggregate: agg}, nil
}

// InsertReadingTx inserts a reading within a transaction. It reports false when
// the reading's (tenant, submission, seq) slot is already taken.
func (r *Repository) InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) (bool, error) {
	query := `
		INSERT INTO readings (` + readingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`

	tag, err := tx.Exec(ctx, query,
		reading.ID,
		reading.TenantID,
		reading.DeviceKey,
		reading.PowerWatts,
		reading.ObservedAt,
		reading.IngestedAt,
		reading.SubmissionID,
		reading.SubmissionSeq,
	)
	if err != nil {
		return false, wrap(err, "insert reading")
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyDeltaTx adds one sample to its hour bucket as an atomic upsert
func (r *Repository) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, delta db.AggregateDelta) (*db.HourlyAggregate, error) {
	query := `
		INSERT INTO hourly_aggregates AS t (
			tenant_id, device_key, hour_start, sample_count,
			sum_watts, min_watts, max_watts, energy_wh, updated_at
		)
		VALUES ($1, $2, $3, 1, $4, $4, $4, $5, $6)
		ON CONFLICT (tenant_id, device_key, hour_start) DO UPDATE SET
			sample_count = t.sample_count + 1,
			sum_watts = t.sum_watts + EXCLUDED.sum_watts,
			min_watts = LEAST(t.min_watts, EXCLUDED.min_watts),
			max_watts = GREATEST(t.max_watts, EXCLUDED.max_watts),
			energy_wh = t.energy_wh + EXCLUDED.energy_wh,
			updated_at = GREATEST(t.updated_at, EXCLUDED.updated_at)
		RETURNING ` + aggregateColumns

	agg, err := scanAggregate(tx.QueryRow(ctx, query,
		delta.TenantID,
		delta.DeviceKey,
		delta.HourStart,
		delta.Watts,
		delta.EnergyWh,
		delta.At,
	))
	if err != nil {
		return nil, wrap(err, "apply aggregate delta")
	}
	return agg, nil
}

// LatestReading returns the device's most recently observed reading
func (r *Repository) LatestReading(ctx context.Context, tenantID, deviceKey string) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE tenant_id = $1 AND device_key = $2
		ORDER BY observed_at DESC, id DESC
		LIMIT 1
	`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, tenantID, deviceKey))
	if err != nil {
		return nil, wrap(err, "query latest reading")
	}
	return reading, nil
}

// LatestReadingsSince returns the latest reading of every device observed at or after since
func (r *Repository) LatestReadingsSince(ctx context.Context, tenantID string, since time.Time) ([]db.Reading, error) {
	query := `
		SELECT DISTINCT ON (device_key) ` + readingColumns + `
		FROM readings
		WHERE tenant_id = $1 AND observed_at >= $2
		ORDER BY device_key, observed_at DESC, id DESC
	`
	return r.queryReadings(ctx, "query latest readings", query, tenantID, since)
}

// ListReadings returns raw readings newest first, resuming after filter.Cursor
func (r *Repository) ListReadings(ctx context.Context, filter db.ReadingFilter) ([]db.Reading, error) {
	var (
		conds = []string{"tenant_id = $1"}
		args  = []any{filter.TenantID}
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.DeviceKeys) > 0 {
		conds = append(conds, "device_key = ANY("+next(filter.DeviceKeys)+")")
	}
	if filter.Start != nil {
		conds = append(conds, "observed_at >= "+next(*filter.Start))
	}
	if filter.End != nil {
		conds = append(conds, "observed_at < "+next(*filter.End))
	}
	if filter.Cursor != nil {
		at := next(filter.Cursor.ObservedAt)
		id := next(filter.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(observed_at, id) < (%s, %s)", at, id))
	}

	query := `SELECT ` + readingColumns + ` FROM readings WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY observed_at DESC, id DESC LIMIT ` + next(filter.Limit)

	return r.queryReadings(ctx, "query readings", query, args...)
}

func (r *Repository) queryReadings(ctx context.Context, op, query string, args ...any) ([]db.Reading, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
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

// GetHourlyAggregate returns one bucket
func (r *Repository) GetHourlyAggregate(ctx context.Context, key db.BucketKey) (*db.HourlyAggregate, error) {
	query := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND device_key = $2 AND hour_start = $3
	`

	agg, err := scanAggregate(r.pool.QueryRow(ctx, query, key.TenantID, key.DeviceKey, key.HourStart))
	if err != nil {
		return nil, wrap(err, "query aggregate")
	}
	return agg, nil
}

// HourlyAggregates returns a device's buckets in [start, end) ordered by hour
func (r *Repository) HourlyAggregates(ctx context.Context, tenantID, deviceKey string, start, end time.Time) ([]db.HourlyAggregate, error) {
	query := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND device_key = $2 AND hour_start >= $3 AND hour_start < $4
		ORDER BY hour_start
	`

	rows, err := r.pool.Query(ctx, query, tenantID, deviceKey, start, end)
	if err != nil {
		return nil, wrap(err, "query aggregates")
	}
	defer rows.Close()

	var aggregates []db.HourlyAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
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

// DeviceRangeStats folds a device's buckets in [start, end) into one summary
func (r *Repository) DeviceRangeStats(ctx context.Context, tenantID, deviceKey string, start, end time.Time) (db.RangeStats, error) {
	query := `
		SELECT COALESCE(SUM(sample_count), 0)::BIGINT, COALESCE(SUM(sum_watts), 0),
			COALESCE(MIN(min_watts), 0), COALESCE(MAX(max_watts), 0), COALESCE(SUM(energy_wh), 0)
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND device_key = $2 AND hour_start >= $3 AND hour_start < $4
	`

	stats := db.RangeStats{DeviceKey: deviceKey}
	err := r.pool.QueryRow(ctx, query, tenantID, deviceKey, start, end).Scan(
		&stats.SampleCount, &stats.SumWatts, &stats.MinWatts, &stats.MaxWatts, &stats.EnergyWh,
	)
	if err != nil {
		return db.RangeStats{}, wrap(err, "query device stats")
	}
	return stats, nil
}

// TenantRangeStats returns per-device summaries in [start, end), highest energy first
func (r *Repository) TenantRangeStats(ctx context.Context, tenantID string, start, end time.Time) ([]db.RangeStats, error) {
	query := `
		SELECT device_key, SUM(sample_count)::BIGINT, SUM(sum_watts), MIN(min_watts), MAX(max_watts), SUM(energy_wh)
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND hour_start >= $2 AND hour_start < $3
		GROUP BY device_key
		ORDER BY SUM(energy_wh) DESC, device_key
	`

	rows, err := r.pool.Query(ctx, query, tenantID, start, end)
	if err != nil {
		return nil, wrap(err, "query tenant stats")
	}
	defer rows.Close()

	var stats []db.RangeStats
	for rows.Next() {
		var s db.RangeStats
		if err := rows.Scan(&s.DeviceKey, &s.SampleCount, &s.SumWatts, &s.MinWatts, &s.MaxWatts, &s.EnergyWh); err != nil {
			return nil, wrap(err, "scan tenant stats")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate tenant stats")
	}
	return stats, nil
}

// PeakHour returns the bucket with the highest power in [start, end)
func (r *Repository) PeakHour(ctx context.Context, tenantID string, start, end time.Time) (*db.PeakHour, error) {
	query := `
		SELECT device_key, hour_start, max_watts
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND hour_start >= $2 AND hour_start < $3
		ORDER BY max_watts DESC, hour_start
		LIMIT 1
	`

	var peak db.PeakHour
	if err := r.pool.QueryRow(ctx, query, tenantID, start, end).Scan(&peak.DeviceKey, &peak.HourStart, &peak.MaxWatts); err != nil {
		return nil, wrap(err, "query peak hour")
	}
	peak.HourStart = peak.HourStart.UTC()
	return &peak, nil
}

// PendingReconciliation lists closed buckets touched since their last reconciliation
func (r *Repository) PendingReconciliation(ctx context.Context, closedBefore time.Time, limit int) ([]db.BucketKey, error) {
	query := `
		SELECT tenant_id, device_key, hour_start
		FROM hourly_aggregates
		WHERE hour_start < $1 AND (reconciled_at IS NULL OR updated_at > reconciled_at)
		ORDER BY hour_start
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, closedBefore, limit)
	if err != nil {
		return nil, wrap(err, "query pending buckets")
	}
	defer rows.Close()

	var keys []db.BucketKey
	for rows.Next() {
		var k db.BucketKey
		if err := rows.Scan(&k.TenantID, &k.DeviceKey, &k.HourStart); err != nil {
			return nil, wrap(err, "scan bucket key")
		}
		k.HourStart = k.HourStart.UTC()
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "iterate bucket keys")
	}
	return keys, nil
}

// ReconcileBucket recomputes a bucket from raw readings. The row lock orders it
// against concurrent delta upserts on the same bucket.
func (r *Repository) ReconcileBucket(ctx context.Context, key db.BucketKey, energyPerWatt float64, at time.Time) (ReconcileResult, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return ReconcileResult{}, wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockQuery := `
		SELECT ` + aggregateColumns + `
		FROM hourly_aggregates
		WHERE tenant_id = $1 AND device_key = $2 AND hour_start = $3
		FOR UPDATE
	`
	before, err := scanAggregate(tx.QueryRow(ctx, lockQuery, key.TenantID, key.DeviceKey, key.HourStart))
	if err != nil {
		return ReconcileResult{}, wrap(err, "lock aggregate")
	}

	recomputeQuery := `
		SELECT COUNT(*), COALESCE(SUM(power_watts), 0), COALESCE(MIN(power_watts), 0), COALESCE(MAX(power_watts), 0)
		FROM readings
		WHERE tenant_id = $1 AND device_key = $2 AND observed_at >= $3 AND observed_at < $4
	`
	after := *before
	err = tx.QueryRow(ctx, recomputeQuery, key.TenantID, key.DeviceKey, key.HourStart, key.HourStart.Add(time.Hour)).Scan(
		&after.SampleCount, &after.SumWatts, &after.MinWatts, &after.MaxWatts,
	)
	if err != nil {
		return ReconcileResult{}, wrap(err, "recompute aggregate")
	}
	after.EnergyWh = after.SumWatts * energyPerWatt
	reconciledAt := at
	if before.UpdatedAt.After(reconciledAt) {
		reconciledAt = before.UpdatedAt
	}
	after.ReconciledAt = &reconciledAt

	updateQuery := `
		UPDATE hourly_aggregates SET
			sample_count = $4, sum_watts = $5, min_watts = $6, max_watts = $7, energy_wh = $8, reconciled_at = $9
		WHERE tenant_id = $1 AND device_key = $2 AND hour_start = $3
	`
	_, err = tx.Exec(ctx, updateQuery,
		key.TenantID, key.DeviceKey, key.HourStart,
		after.SampleCount, after.SumWatts, after.MinWatts, after.MaxWatts, after.EnergyWh, reconciledAt,
	)
	if err != nil {
		return ReconcileResult{}, wrap(err, "update aggregate")
	}

	if err := tx.Commit(ctx); err != nil {
		return ReconcileResult{}, wrap(err, "commit reconciliation")
	}
	return ReconcileResult{Before: *before, After: after, Changed: aggregateDiffers(*before, after)}, nil
}

// Ping checks connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return wrap(r.pool.Ping(ctx), "ping database")
}

// Close releases the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const epsilon = 1e-6

func aggregateDiffers(a, b db.HourlyAggregate) bool {
	diff := func(x, y float64) bool {
		d := x - y
		return d > epsilon || d < -epsilon
	}
	return a.SampleCount != b.SampleCount ||
		diff(a.SumWatts, b.SumWatts) ||
		diff(a.MinWatts, b.MinWatts) ||
		diff(a.MaxWatts, b.MaxWatts) ||
		diff(a.EnergyWh, b.EnergyWh)
}
