package aggregation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"github.com/septivank/energy-telemetry-service/internal/repository"
)

// ReconcileStore finds and recomputes closed buckets
type ReconcileStore interface {
	PendingReconciliation(ctx context.Context, closedBefore time.Time, limit int) ([]db.BucketKey, error)
	ReconcileBucket(ctx context.Context, key db.BucketKey, energyPerWatt float64, at time.Time) (repository.ReconcileResult, error)
}

// ReconcilerConfig controls the reconciliation loop
type ReconcilerConfig struct {
	Interval      time.Duration
	BatchSize     int
	RunTimeout    time.Duration
	EnergyPerWatt float64
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = c.Interval
	}
	return c
}

// Reconciler recomputes closed hour buckets that changed after their last
// reconciliation, which is how late arrivals are folded back into a
// verified rollup.
type Reconciler struct {
	store   ReconcileStore
	cache   *cache.TelemetryCache
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     ReconcilerConfig
}

func NewReconciler(store ReconcileStore, tc *cache.TelemetryCache, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, cfg ReconcilerConfig) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reconciler{
		store:   store,
		cache:   tc,
		clock:   clk,
		log:     log.Named("aggregation.reconciler"),
		metrics: m,
		cfg:     cfg.withDefaults(),
	}
}

func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconciliation run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles up to one batch of pending buckets and returns how many were processed
func (r *Reconciler) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, r.cfg.RunTimeout)
	defer cancel()

	now := r.clock.Now()
	keys, err := r.store.PendingReconciliation(ctx, HourStart(now), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	type device struct{ tenantID, deviceKey string }
	touched := make(map[device]struct{})
	processed := 0

	for _, key := range keys {
		res, err := r.store.ReconcileBucket(ctx, key, r.cfg.EnergyPerWatt, now)
		if err != nil {
			r.metrics.Reconciled("error")
			r.log.Warn("bucket reconciliation failed",
				zap.String("tenant_id", key.TenantID),
				zap.String("device_key", key.DeviceKey),
				zap.Time("hour_start", key.HourStart),
				zap.Error(err),
			)
			continue
		}
		processed++

		if !res.Changed {
			r.metrics.Reconciled("unchanged")
			continue
		}
		r.metrics.Reconciled("corrected")
		r.log.Warn("aggregate drift corrected",
			zap.String("tenant_id", key.TenantID),
			zap.String("device_key", key.DeviceKey),
			zap.Time("hour_start", key.HourStart),
			zap.Int64("sample_count_before", res.Before.SampleCount),
			zap.Int64("sample_count_after", res.After.SampleCount),
		)
		touched[device{key.TenantID, key.DeviceKey}] = struct{}{}
	}

	if r.cache != nil {
		for d := range touched {
			r.cache.InvalidateDevice(ctx, d.tenantID, d.deviceKey)
		}
	}

	return processed, nil
}
