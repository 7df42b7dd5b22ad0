package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"github.com/septivank/energy-telemetry-service/internal/service"
)

// HealthCheck checks one dependency. A failing critical check marks the
// service unhealthy; a failing non-critical check marks it degraded.
type HealthCheck struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// Params holds the collaborators of the HTTP server
type Params struct {
	Ingest  *service.IngestService
	Query   *service.QueryService
	Devices *service.DeviceService
	Health  []HealthCheck
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP transport
type Server struct {
	engine  *gin.Engine
	ingest  *service.IngestService
	query   *service.QueryService
	devices *service.DeviceService
	health  []HealthCheck
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds the server and registers its routes
func New(p Params) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ingest:  p.Ingest,
		query:   p.Query,
		devices: p.Devices,
		health:  p.Health,
		metrics: p.Metrics,
		logger:  p.Logger.Named("http"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog(s.logger, s.metrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.engine = r
	s.registerAPIRoutes()
	return s
}

// Handler exposes the gin engine
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", Identity())

	readings := api.Group("/readings")
	{
		readings.POST("", s.submitReading)
		readings.POST("/batch", s.submitBatch)
		readings.GET("", s.listReadings)
	}

	devices := api.Group("/devices")
	{
		devices.GET("", s.listDevices)
		devices.POST("", s.registerDevice)
		devices.GET("/:device", s.getDevice)
		devices.PATCH("/:device", s.updateDevice)
		devices.DELETE("/:device", s.deactivateDevice)
		devices.GET("/:device/stats", s.deviceStats)
		devices.GET("/:device/hourly", s.hourlySeries)
		devices.GET("/:device/realtime", s.deviceRealtime)
	}

	api.GET("/summary", s.summary)
	api.GET("/realtime", s.overview)
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for _, check := range s.health {
		if err := check.Ping(ctx); err != nil {
			checks[check.Name] = err.Error()
			if check.Critical {
				status = "unavailable"
				code = http.StatusServiceUnavailable
			} else if status == "ok" {
				status = "degraded"
			}
			continue
		}
		checks[check.Name] = "ok"
	}

	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// RegisterLifecycle serves HTTP on addr for the lifetime of the fx app
func (s *Server) RegisterLifecycle(lc fx.Lifecycle, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			s.logger.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
