package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStoreUnavailableWrapsOnce(t *testing.T) {
	base := errors.New("connection refused")
	err := StoreUnavailable(base)

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, StoreUnavailable(err))
	assert.Nil(t, StoreUnavailable(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(StoreUnavailable(errors.New("x"))))
	assert.True(t, IsRetryable(CacheUnavailable(errors.New("x"))))
	assert.True(t, IsRetryable(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(ErrForbidden))
	assert.False(t, IsRetryable(nil))
}

func TestAsValidationAndThrottled(t *testing.T) {
	vErr := NewValidationError("power_watts", "negative", "power must not be negative")
	wrapped := fmt.Errorf("element 2: %w", vErr)

	got, ok := AsValidation(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "negative", got.Errors[0].Code)
	assert.Contains(t, vErr.Error(), "power_watts: negative")

	tErr := &ThrottledError{RouteClass: "ingest", RetryAfter: 3 * time.Second}
	th, ok := AsThrottled(fmt.Errorf("gate: %w", tErr))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, th.RetryAfter)

	_, ok = AsThrottled(vErr)
	assert.False(t, ok)
}
