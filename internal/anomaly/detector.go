package anomaly

import (
	"fmt"

	"github.com/septivank/energy-telemetry-service/internal/db"
)

// Detector flags power spikes against the running mean of the reading's hour bucket
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectSpike checks value against the bucket as it was before value was added.
// bucket is the aggregate returned by the delta upsert, so it already includes value.
func (d *Detector) DetectSpike(value float64, bucket *db.HourlyAggregate) (bool, string) {
	if bucket == nil {
		return false, ""
	}

	// Need enough prior samples for spike detection
	priorCount := bucket.SampleCount - 1
	if priorCount < int64(d.minDataPointsForDetection) {
		return false, ""
	}

	average := (bucket.SumWatts - value) / float64(priorCount)

	// Detect sudden spike (>threshold x running average)
	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx hourly average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
