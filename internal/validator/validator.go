package validator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/tools/timeparser"
)

// Field error codes
const (
	CodeRequired         = "required"
	CodeTooLong          = "too_long"
	CodeNotFinite        = "not_finite"
	CodeNegative         = "negative"
	CodeOutOfRange       = "out_of_range"
	CodeInFuture         = "in_future"
	CodeTooOld           = "too_old"
	CodeInvalidTimestamp = "invalid_timestamp"
	CodeEmptyBatch       = "empty_batch"
	CodeBatchTooLarge    = "batch_too_large"
)

const (
	maxNameLen     = 255
	maxCategoryLen = 100
	maxLocationLen = 255
)

// RawReading is a reading as it arrives on the wire
type RawReading struct {
	DeviceKey  string   `json:"device_key"`
	PowerWatts *float64 `json:"power_watts"`
	Timestamp  string   `json:"timestamp"`
}

// ReadingInput is a typed reading awaiting validation
type ReadingInput struct {
	DeviceKey  string
	PowerWatts float64
	ObservedAt time.Time
}

// DeviceInput holds registration metadata
type DeviceInput struct {
	DeviceKey string
	Name      string
	Category  string
	Location  string
}

// Validator checks readings against configured bounds
type Validator struct {
	maxPowerWatts   float64
	futureSkew      time.Duration
	horizon         time.Duration
	maxDeviceKeyLen int
	maxBatchSize    int
}

// NewValidator creates a new validator from the validation settings
func NewValidator(cfg config.ValidationConfig) *Validator {
	return &Validator{
		maxPowerWatts:   cfg.MaxPowerWatts,
		futureSkew:      cfg.FutureSkew,
		horizon:         cfg.RetentionWindow,
		maxDeviceKeyLen: cfg.MaxDeviceKeyLen,
		maxBatchSize:    cfg.MaxBatchSize,
	}
}

// MaxBatchSize returns the largest accepted batch
func (v *Validator) MaxBatchSize() int {
	return v.maxBatchSize
}

// Parse converts a wire reading into a typed input. Field errors are returned
// for the fields that could not be parsed; other fields are still checked later.
func (v *Validator) Parse(raw RawReading) (ReadingInput, []apperror.FieldError) {
	var errs []apperror.FieldError
	in := ReadingInput{DeviceKey: raw.DeviceKey}

	if raw.PowerWatts == nil {
		errs = append(errs, fieldError("power_watts", CodeRequired, "power_watts is required"))
	} else {
		in.PowerWatts = *raw.PowerWatts
	}

	if strings.TrimSpace(raw.Timestamp) == "" {
		errs = append(errs, fieldError("timestamp", CodeRequired, "timestamp is required"))
	} else {
		observed, err := timeparser.ParseReadingTimestamp(raw.Timestamp)
		if err != nil {
			errs = append(errs, fieldError("timestamp", CodeInvalidTimestamp, fmt.Sprintf("invalid timestamp format: %v", err)))
		} else {
			in.ObservedAt = observed
		}
	}

	return in, errs
}

// Validate checks a single reading and returns it normalized: trimmed device
// key, power rounded to 3 decimals and observation time in UTC.
func (v *Validator) Validate(in ReadingInput, now time.Time) (ReadingInput, []apperror.FieldError) {
	var errs []apperror.FieldError

	key := strings.TrimSpace(in.DeviceKey)
	switch {
	case key == "":
		errs = append(errs, fieldError("device_key", CodeRequired, "device_key is required"))
	case len(key) > v.maxDeviceKeyLen:
		errs = append(errs, fieldError("device_key", CodeTooLong, fmt.Sprintf("device_key exceeds %d characters", v.maxDeviceKeyLen)))
	}

	watts := in.PowerWatts
	switch {
	case math.IsNaN(watts) || math.IsInf(watts, 0):
		errs = append(errs, fieldError("power_watts", CodeNotFinite, "power_watts must be a finite number"))
	case watts < 0:
		errs = append(errs, fieldError("power_watts", CodeNegative, "power consumption cannot be negative"))
	case watts > v.maxPowerWatts:
		errs = append(errs, fieldError("power_watts", CodeOutOfRange, fmt.Sprintf("power consumption exceeds maximum allowed value (%.0fW)", v.maxPowerWatts)))
	}

	if in.ObservedAt.IsZero() {
		errs = append(errs, fieldError("timestamp", CodeRequired, "timestamp is required"))
	} else {
		switch timeparser.CheckWindow(in.ObservedAt, now, v.futureSkew, v.horizon) {
		case timeparser.ErrInFuture:
			errs = append(errs, fieldError("timestamp", CodeInFuture, fmt.Sprintf("timestamp is more than %s in the future", v.futureSkew)))
		case timeparser.ErrTooOld:
			errs = append(errs, fieldError("timestamp", CodeTooOld, "timestamp is older than the retention horizon"))
		}
	}

	if len(errs) > 0 {
		return ReadingInput{}, errs
	}

	return ReadingInput{
		DeviceKey:  key,
		PowerWatts: math.Round(watts*1000) / 1000,
		ObservedAt: in.ObservedAt.UTC(),
	}, nil
}

// ValidateRaw parses and validates a wire reading in one step
func (v *Validator) ValidateRaw(raw RawReading, now time.Time) (ReadingInput, []apperror.FieldError) {
	in, parseErrs := v.Parse(raw)
	normalized, errs := v.Validate(in, now)
	if len(parseErrs) == 0 {
		return normalized, errs
	}

	// parse failures replace the generic "required" that Validate reports for zero values
	merged := append([]apperror.FieldError{}, parseErrs...)
	for _, fe := range errs {
		if !hasField(parseErrs, fe.Field) {
			merged = append(merged, fe)
		}
	}
	return ReadingInput{}, merged
}

// CheckBatchSize validates batch framing before any element is examined
func (v *Validator) CheckBatchSize(n int) error {
	if n == 0 {
		return apperror.NewValidationError("readings", CodeEmptyBatch, "batch must contain at least one reading")
	}
	if n > v.maxBatchSize {
		return apperror.NewValidationError("readings", CodeBatchTooLarge, fmt.Sprintf("batch exceeds %d readings", v.maxBatchSize))
	}
	return nil
}

// ValidateDevice checks registration metadata
func (v *Validator) ValidateDevice(in DeviceInput) (DeviceInput, error) {
	var errs []apperror.FieldError

	in.DeviceKey = strings.TrimSpace(in.DeviceKey)
	switch {
	case in.DeviceKey == "":
		errs = append(errs, fieldError("device_key", CodeRequired, "device_key is required"))
	case len(in.DeviceKey) > v.maxDeviceKeyLen:
		errs = append(errs, fieldError("device_key", CodeTooLong, fmt.Sprintf("device_key exceeds %d characters", v.maxDeviceKeyLen)))
	}
	errs = append(errs, CheckMetadata(&in.Name, &in.Category, &in.Location)...)

	if len(errs) > 0 {
		return DeviceInput{}, &apperror.ValidationError{Errors: errs}
	}
	return in, nil
}

// CheckMetadata validates optional device metadata fields; nil fields are skipped
func CheckMetadata(name, category, location *string) []apperror.FieldError {
	var errs []apperror.FieldError
	check := func(field string, value *string, limit int) {
		if value != nil && len(*value) > limit {
			errs = append(errs, fieldError(field, CodeTooLong, fmt.Sprintf("%s exceeds %d characters", field, limit)))
		}
	}
	check("name", name, maxNameLen)
	check("category", category, maxCategoryLen)
	check("location", location, maxLocationLen)
	return errs
}

func fieldError(field, code, message string) apperror.FieldError {
	return apperror.FieldError{Field: field, Code: code, Message: message}
}

func hasField(errs []apperror.FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}
