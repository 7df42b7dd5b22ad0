package aggregation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/anomaly"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"github.com/septivank/energy-telemetry-service/internal/repository"
)

// IngestStore persists a reading together with its aggregate delta
type IngestStore interface {
	IngestReading(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (repository.IngestResult, error)
}

// Applied is the outcome of applying one reading
type Applied struct {
	Inserted    bool
	Aggregate   *db.HourlyAggregate
	Spike       bool
	SpikeReason string
}

// Engine maintains hourly rollups incrementally. Each reading becomes a delta
// that the store applies atomically, so concurrent readings for the same
// bucket never lose updates and arrival order does not matter.
type Engine struct {
	store          IngestStore
	cache          *cache.TelemetryCache
	locks          *BucketLocks
	detector       *anomaly.Detector
	metrics        *metrics.Metrics
	logger         *zap.Logger
	clock          clock.Clock
	sampleInterval time.Duration
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithBucketLocks serializes deltas per bucket in process
func WithBucketLocks(locks *BucketLocks) EngineOption {
	return func(e *Engine) { e.locks = locks }
}

// WithDetector flags spikes against the bucket's running mean
func WithDetector(detector *anomaly.Detector) EngineOption {
	return func(e *Engine) { e.detector = detector }
}

// NewEngine creates an aggregation engine
func NewEngine(store IngestStore, tc *cache.TelemetryCache, sampleInterval time.Duration, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics, opts ...EngineOption) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	e := &Engine{
		store:          store,
		cache:          tc,
		metrics:        m,
		logger:         logger,
		clock:          clk,
		sampleInterval: sampleInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnergyPerWatt is the energy in Wh one sample of 1 W contributes
func (e *Engine) EnergyPerWatt() float64 {
	return e.sampleInterval.Hours()
}

// Delta computes the contribution of reading to its observation hour
func (e *Engine) Delta(reading *db.Reading) db.AggregateDelta {
	return db.AggregateDelta{
		TenantID:  reading.TenantID,
		DeviceKey: reading.DeviceKey,
		HourStart: HourStart(reading.ObservedAt),
		Watts:     reading.PowerWatts,
		EnergyWh:  reading.PowerWatts * e.EnergyPerWatt(),
		At:        e.clock.Now(),
	}
}

// Apply persists reading and its bucket delta, then refreshes the device's
// real-time entry. A reading whose submission slot is taken applies nothing.
func (e *Engine) Apply(ctx context.Context, reading *db.Reading) (Applied, error) {
	res, err := e.write(ctx, reading, e.Delta(reading))
	if err != nil {
		return Applied{}, err
	}
	if !res.Inserted {
		return Applied{}, nil
	}

	applied := Applied{Inserted: true, Aggregate: res.Aggregate}
	if e.detector != nil {
		applied.Spike, applied.SpikeReason = e.detector.DetectSpike(reading.PowerWatts, res.Aggregate)
		if applied.Spike {
			e.metrics.Anomaly()
			e.logger.Info("power spike detected",
				zap.String("tenant_id", reading.TenantID),
				zap.String("device_key", reading.DeviceKey),
				zap.String("reason", applied.SpikeReason),
			)
		}
	}

	if e.cache != nil {
		e.cache.SetRealtime(ctx, reading.TenantID, cache.RealtimeState{
			DeviceKey:  reading.DeviceKey,
			ReadingID:  reading.ID.String(),
			PowerWatts: reading.PowerWatts,
			ObservedAt: reading.ObservedAt,
		})
	}

	return applied, nil
}

func (e *Engine) write(ctx context.Context, reading *db.Reading, delta db.AggregateDelta) (repository.IngestResult, error) {
	if e.locks != nil {
		unlock := e.locks.Lock(db.BucketKey{TenantID: delta.TenantID, DeviceKey: delta.DeviceKey, HourStart: delta.HourStart})
		defer unlock()
	}
	return e.store.IngestReading(ctx, reading, delta)
}

// Invalidate drops cached summaries covering any of the devices
func (e *Engine) Invalidate(ctx context.Context, tenantID string, deviceKeys []string) {
	if e.cache == nil {
		return
	}
	for _, deviceKey := range deviceKeys {
		e.cache.InvalidateDevice(ctx, tenantID, deviceKey)
	}
}
