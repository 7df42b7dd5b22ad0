package db

import (
	"time"

	"github.com/google/uuid"
)

// Device represents a tenant-scoped telemetry source
type Device struct {
	TenantID  string
	DeviceKey string
	Name      string
	Category  string
	Location  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reading represents an accepted power reading. Readings are append-only.
type Reading struct {
	ID            uuid.UUID
	TenantID      string
	DeviceKey     string
	PowerWatts    float64
	ObservedAt    time.Time
	IngestedAt    time.Time
	SubmissionID  *string
	SubmissionSeq *int
}

// HourlyAggregate is the rollup of one device's readings within one calendar hour (UTC)
type HourlyAggregate struct {
	TenantID     string
	DeviceKey    string
	HourStart    time.Time
	SampleCount  int64
	SumWatts     float64
	MinWatts     float64
	MaxWatts     float64
	EnergyWh     float64
	UpdatedAt    time.Time
	ReconciledAt *time.Time
}

// AvgWatts returns the mean power of the bucket
func (a HourlyAggregate) AvgWatts() float64 {
	if a.SampleCount == 0 {
		return 0
	}
	return a.SumWatts / float64(a.SampleCount)
}

// AggregateDelta is the contribution of one reading to its hour bucket
type AggregateDelta struct {
	TenantID  string
	DeviceKey string
	HourStart time.Time
	Watts     float64
	EnergyWh  float64
	At        time.Time
}

// BucketKey identifies one hourly aggregate row
type BucketKey struct {
	TenantID  string
	DeviceKey string
	HourStart time.Time
}

// RangeStats summarizes aggregates over a time range
type RangeStats struct {
	DeviceKey   string
	SampleCount int64
	SumWatts    float64
	MinWatts    float64
	MaxWatts    float64
	EnergyWh    float64
}

// AvgWatts returns the mean power over the range
func (s RangeStats) AvgWatts() float64 {
	if s.SampleCount == 0 {
		return 0
	}
	return s.SumWatts / float64(s.SampleCount)
}

// PeakHour is the bucket holding the highest observed power in a range
type PeakHour struct {
	DeviceKey string
	HourStart time.Time
	MaxWatts  float64
}

// ReadingFilter selects raw readings for historical queries
type ReadingFilter struct {
	TenantID   string
	DeviceKeys []string
	Start      *time.Time
	End        *time.Time
	Limit      int
	// Cursor resumes strictly after (ObservedAt, ID) in descending order
	Cursor *ReadingCursor
}

// ReadingCursor is the position of the last reading on a page
type ReadingCursor struct {
	ObservedAt time.Time
	ID         uuid.UUID
}
