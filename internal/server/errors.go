package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
)

type errorPayload struct {
	Type    string                `json:"type"`
	Message string                `json:"message"`
	Errors  []apperror.FieldError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error as a JSON error body
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		if tErr, ok := apperror.AsThrottled(lastErr.Err); ok {
			c.Header("Retry-After", retryAfterSeconds(tErr))
		}
		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError(message string) error {
	return apperror.NewValidationError("request", "invalid_request", message)
}

func mapError(err error) (int, errorPayload) {
	if vErr, ok := apperror.AsValidation(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}
	if tErr, ok := apperror.AsThrottled(err); ok {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: tErr.Error(),
		}
	}

	switch {
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized, errorPayload{Type: "unauthenticated", Message: "tenant identity is required"}
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "resource not found"}
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "conflict"}
	case errors.Is(err, apperror.ErrStoreUnavailable),
		errors.Is(err, apperror.ErrCacheUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service temporarily unavailable, retry later"}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func retryAfterSeconds(tErr *apperror.ThrottledError) string {
	seconds := int64(math.Ceil(tErr.RetryAfter.Seconds()))
	return strconv.FormatInt(max(seconds, 1), 10)
}
