package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/logging"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
)

// Headers set by the gateway in front of the service
const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderRole      = "X-Role"
	HeaderRequestID = "X-Request-ID"

	contextRequestIDKey = "request_id"
)

// RequestID propagates the caller's request id or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextRequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(contextRequestIDKey)
}

// Identity attaches the tenant identity forwarded by the gateway
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := identity.New(c.GetHeader(HeaderTenant), c.GetHeader(HeaderRole))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLog records request metrics and logs failed requests
func AccessLog(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(started)
		m.ObserveHTTP(route, strconv.Itoa(status), elapsed)

		if status < 400 {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.Error(last.Err))
		}
		reqLogger := logging.WithRequestID(logger, requestID(c))
		if status >= 500 {
			reqLogger.Error("request failed", fields...)
			return
		}
		reqLogger.Info("request rejected", fields...)
	}
}
