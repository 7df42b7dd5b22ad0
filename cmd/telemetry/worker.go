package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/aggregation"
	"github.com/septivank/energy-telemetry-service/internal/anomaly"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"github.com/septivank/energy-telemetry-service/internal/mq"
	"github.com/septivank/energy-telemetry-service/internal/ratelimit"
	"github.com/septivank/energy-telemetry-service/internal/repository"
	"github.com/septivank/energy-telemetry-service/internal/server"
	"github.com/septivank/energy-telemetry-service/internal/service"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

const cacheSweepInterval = time.Minute

// ProvideClock supplies wall-clock time
func ProvideClock() clock.Clock {
	return clock.Real()
}

// ProvideStore opens the durable store selected by DATABASE_DRIVER
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
		defer cancel()

		sqlDB, err := db.OpenSQLite(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to open sqlite store", zap.Error(err))
			return nil, err
		}
		store := repository.NewSQLite(sqlDB)
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				logger.Info("closing sqlite store")
				return store.Close()
			},
		})
		logger.Info("sqlite store opened", zap.String("path", cfg.Database.URL))
		return store, nil
	}

	pool, err := db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.Timeout)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideRedisClient returns nil when no Redis address is configured
func ProvideRedisClient(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled() {
		logger.Info("redis not configured, using in-process cache and limiter")
		return nil
	}
	return cache.NewRedisClient(lc, logger, cfg.Redis)
}

// ProvideCacheStore selects Redis when available and an in-process store otherwise
func ProvideCacheStore(lc fx.Lifecycle, client *redis.Client, clk clock.Clock, logger *zap.Logger) cache.Store {
	if client != nil {
		return cache.NewRedisStore(client)
	}

	store := cache.NewMemoryStore(clk)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(cacheSweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n := store.Sweep(); n > 0 {
							logger.Debug("swept expired cache entries", zap.Int("count", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return store
}

// ProvideTelemetryCache creates the typed cache facade
func ProvideTelemetryCache(store cache.Store, logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *cache.TelemetryCache {
	return cache.NewTelemetryCache(store, logger, m, cfg.Cache, cfg.Ingest.SubmissionReplayTTL)
}

// ProvideLimiter creates the per-tenant limiter, sharing counters through Redis when available
func ProvideLimiter(client *redis.Client, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		logger.Info("rate limiting disabled")
		return ratelimit.Disabled()
	}

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter(clk)
	if client != nil {
		counter = ratelimit.NewRedisCounter(client)
	}
	return ratelimit.NewLimiter(counter, ratelimit.RulesFromConfig(cfg.RateLimit), clk, cfg.Cache.Timeout, logger, m)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideEngine creates the hourly aggregation engine
func ProvideEngine(
	store repository.Store,
	tc *cache.TelemetryCache,
	detector *anomaly.Detector,
	clk clock.Clock,
	logger *zap.Logger,
	m *metrics.Metrics,
	cfg *config.Config,
) *aggregation.Engine {
	opts := []aggregation.EngineOption{aggregation.WithDetector(detector)}
	if cfg.Aggregation.BucketLocks {
		opts = append(opts, aggregation.WithBucketLocks(aggregation.NewBucketLocks()))
	}
	return aggregation.NewEngine(store, tc, cfg.Aggregation.SampleInterval, clk, logger, m, opts...)
}

// ProvideMQConnection returns nil when RabbitMQ is not configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("rabbitmq not configured, queue ingestion and event publishing disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvidePublisher creates the events publisher, or a no-op one without RabbitMQ
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.EventPublisher, error) {
	if conn == nil {
		return service.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.EventsRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideIngestService creates a new ingest service instance
func ProvideIngestService(
	store repository.Store,
	engine *aggregation.Engine,
	tc *cache.TelemetryCache,
	limiter *ratelimit.Limiter,
	v *validator.Validator,
	publisher service.EventPublisher,
	m *metrics.Metrics,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(service.IngestDeps{
		Store:        store,
		Engine:       engine,
		Cache:        tc,
		Limiter:      limiter,
		Validator:    v,
		Publisher:    publisher,
		Metrics:      m,
		Clock:        clk,
		Config:       cfg.Ingest,
		StoreTimeout: cfg.Database.Timeout,
		Logger:       logger,
	})
}

// ProvideQueryService creates a new query service instance
func ProvideQueryService(
	store repository.Store,
	tc *cache.TelemetryCache,
	limiter *ratelimit.Limiter,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *service.QueryService {
	return service.NewQueryService(store, tc, limiter, clk, cfg.Database.Timeout, logger)
}

// ProvideDeviceService creates a new device service instance
func ProvideDeviceService(
	store repository.Store,
	tc *cache.TelemetryCache,
	limiter *ratelimit.Limiter,
	v *validator.Validator,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *service.DeviceService {
	return service.NewDeviceService(store, tc, limiter, v, clk, cfg.Database.Timeout, logger)
}

// ProvideMessageProcessor creates the queue message processor
func ProvideMessageProcessor(ingest *service.IngestService, logger *zap.Logger) *service.MessageProcessor {
	return service.NewMessageProcessor(ingest, logger)
}

// ProvideServer creates the HTTP server with its health checks
func ProvideServer(
	ingest *service.IngestService,
	query *service.QueryService,
	devices *service.DeviceService,
	store repository.Store,
	tc *cache.TelemetryCache,
	m *metrics.Metrics,
	logger *zap.Logger,
) *server.Server {
	return server.New(server.Params{
		Ingest:  ingest,
		Query:   query,
		Devices: devices,
		Health: []server.HealthCheck{
			{Name: "store", Critical: true, Ping: store.Ping},
			{Name: "cache", Ping: tc.Ping},
		},
		Metrics: m,
		Logger:  logger,
	})
}

func startHTTP(lc fx.Lifecycle, srv *server.Server, cfg *config.Config) {
	srv.RegisterLifecycle(lc, cfg.HTTPAddr)
}

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	m *metrics.Metrics,
	processor *service.MessageProcessor,
) error {
	if conn == nil {
		return nil
	}

	// cancelled on shutdown so in-flight requeue waits end early
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		Metrics:          m,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped gracefully")
			return nil
		},
	})

	return nil
}

func startReconciler(
	lc fx.Lifecycle,
	store repository.Store,
	tc *cache.TelemetryCache,
	engine *aggregation.Engine,
	clk clock.Clock,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) {
	reconciler := aggregation.NewReconciler(store, tc, clk, logger, m, aggregation.ReconcilerConfig{
		Interval:      cfg.Aggregation.ReconcileInterval,
		BatchSize:     cfg.Aggregation.ReconcileBatchSize,
		EnergyPerWatt: engine.EnergyPerWatt(),
	})

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go reconciler.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
