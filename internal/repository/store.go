package repository

import (
	"context"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/db"
)

// DeviceUpdate holds the mutable device fields; nil fields are left unchanged
type DeviceUpdate struct {
	Name     *string
	Category *string
	Location *string
	IsActive *bool
}

// IngestResult reports what the store did with one reading
type IngestResult struct {
	// Inserted is false when the reading's submission slot was already taken
	Inserted bool
	// Aggregate is the bucket after the delta was applied; nil when not inserted
	Aggregate *db.HourlyAggregate
}

// ReconcileResult reports a bucket recomputed from raw readings
type ReconcileResult struct {
	Before  db.HourlyAggregate
	After   db.HourlyAggregate
	Changed bool
}

// Store is the durable store contract: devices, append-only readings and
// hourly aggregates maintained by atomic delta upserts. Transient failures are
// wrapped with apperror.StoreUnavailable; missing rows with apperror.ErrNotFound.
type Store interface {
	GetDevice(ctx context.Context, tenantID, deviceKey string) (*db.Device, error)
	EnsureDevice(ctx context.Context, device db.Device) (*db.Device, bool, error)
	UpsertDevice(ctx context.Context, device db.Device) (*db.Device, error)
	UpdateDevice(ctx context.Context, tenantID, deviceKey string, update DeviceUpdate, now time.Time) (*db.Device, error)
	ListDevices(ctx context.Context, tenantID string, activeOnly bool) ([]db.Device, error)
	CountDevices(ctx context.Context, tenantID string) (int, error)

	// IngestReading inserts the reading and applies delta to its bucket in one
	// transaction. A duplicate submission slot inserts nothing and applies nothing.
	IngestReading(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (IngestResult, error)

	LatestReading(ctx context.Context, tenantID, deviceKey string) (*db.Reading, error)
	LatestReadingsSince(ctx context.Context, tenantID string, since time.Time) ([]db.Reading, error)
	ListReadings(ctx context.Context, filter db.ReadingFilter) ([]db.Reading, error)

	GetHourlyAggregate(ctx context.Context, key db.BucketKey) (*db.HourlyAggregate, error)
	HourlyAggregates(ctx context.Context, tenantID, deviceKey string, start, end time.Time) ([]db.HourlyAggregate, error)
	DeviceRangeStats(ctx context.Context, tenantID, deviceKey string, start, end time.Time) (db.RangeStats, error)
	TenantRangeStats(ctx context.Context, tenantID string, start, end time.Time) ([]db.RangeStats, error)
	PeakHour(ctx context.Context, tenantID string, start, end time.Time) (*db.PeakHour, error)

	// PendingReconciliation lists buckets before closedBefore that changed since
	// they were last reconciled, oldest first.
	PendingReconciliation(ctx context.Context, closedBefore time.Time, limit int) ([]db.BucketKey, error)
	// ReconcileBucket recomputes a bucket from its raw readings under a row lock.
	ReconcileBucket(ctx context.Context, key db.BucketKey, energyPerWatt float64, at time.Time) (ReconcileResult, error)

	Ping(ctx context.Context) error
	Close() error
}
