package apperror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrForbidden is returned when a caller touches a device outside its tenant.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a tenant-owned resource has no data to return.
	ErrNotFound = errors.New("not_found")
	// ErrConflict marks a duplicate submission; callers resolve it as an idempotent success.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable wraps transient failures of the durable store.
	ErrStoreUnavailable = errors.New("store_unavailable")
	// ErrCacheUnavailable wraps transient failures of the shared cache.
	ErrCacheUnavailable = errors.New("cache_unavailable")
	// ErrUnauthenticated is returned when no verified tenant identity was supplied.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries the per-field errors for one request or one batch element.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "validation error"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Code))
	}
	return "validation error: " + strings.Join(parts, ", ")
}

// NewValidationError builds a ValidationError with a single field error.
func NewValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Code: code, Message: message}}}
}

// ThrottledError tells the caller to retry after the given delay.
type ThrottledError struct {
	RouteClass string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.RouteClass, e.RetryAfter)
}

// StoreUnavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func StoreUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// CacheUnavailable wraps err so that errors.Is(err, ErrCacheUnavailable) holds.
func CacheUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
}

// AsValidation returns the ValidationError inside err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr, true
	}
	return nil, false
}

// AsThrottled returns the ThrottledError inside err, if any.
func AsThrottled(err error) (*ThrottledError, bool) {
	var tErr *ThrottledError
	if errors.As(err, &tErr) {
		return tErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCacheUnavailable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
