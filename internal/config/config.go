package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPAddr    string
	Database    DatabaseConfig
	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	Validation  ValidationConfig
	Ingest      IngestConfig
	Aggregation AggregationConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Anomaly     AnomalyConfig
}

// DatabaseConfig holds durable store settings
type DatabaseConfig struct {
	Driver  string
	URL     string
	Timeout time.Duration
}

// RedisConfig holds the shared cache connection settings. An empty Addr
// selects the in-process cache and limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis backend is configured
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	EventsRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether the AMQP transport is configured
func (r RabbitMQConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

// ValidationConfig holds reading validation bounds
type ValidationConfig struct {
	MaxPowerWatts   float64
	FutureSkew      time.Duration
	RetentionWindow time.Duration
	MaxDeviceKeyLen int
	MaxBatchSize    int
}

// IngestConfig holds ingestion writer settings
type IngestConfig struct {
	AutoRegisterDevices bool
	SubmissionReplayTTL time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

// AggregationConfig holds rollup and reconciliation settings
type AggregationConfig struct {
	SampleInterval     time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// BucketLocks serializes deltas per bucket in process, for stores without atomic upserts
	BucketLocks bool
}

// CacheConfig holds cache TTLs and call timeouts
type CacheConfig struct {
	Timeout     time.Duration
	RealtimeTTL time.Duration
	OverviewTTL time.Duration
	SummaryTTL  time.Duration
}

// RateLimitConfig holds per-route-class fixed window limits
type RateLimitConfig struct {
	Enabled      bool
	IngestLimit  int
	IngestWindow time.Duration
	QueryLimit   int
	QueryWindow  time.Duration
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "energy-telemetry-service"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		Database: DatabaseConfig{
			Driver:  strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
			URL:     getEnv("DATABASE_URL", ""),
			Timeout: getEnvAsDuration("DATABASE_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "energy-telemetry.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "energy-telemetry.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "telemetry.batch.submitted"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "energy-telemetry.events.exchange"),
			EventsRoutingKey: getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "telemetry.reading.accepted"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "energy-telemetry.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Validation: ValidationConfig{
			MaxPowerWatts:   getEnvAsFloat("VALIDATION_MAX_POWER_WATTS", 50000),
			FutureSkew:      getEnvAsDuration("VALIDATION_FUTURE_SKEW", 5*time.Minute),
			RetentionWindow: time.Duration(getEnvAsInt("DATA_RETENTION_DAYS", 365)) * 24 * time.Hour,
			MaxDeviceKeyLen: getEnvAsInt("VALIDATION_MAX_DEVICE_KEY_LENGTH", 255),
			MaxBatchSize:    getEnvAsInt("MAX_BATCH_SIZE", 1000),
		},
		Ingest: IngestConfig{
			AutoRegisterDevices: getEnvAsBool("DEVICE_AUTO_REGISTER", true),
			SubmissionReplayTTL: getEnvAsDuration("SUBMISSION_REPLAY_TTL", 24*time.Hour),
			RetryMaxAttempts:    getEnvAsInt("INGEST_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialBackoff: getEnvAsDuration("INGEST_RETRY_INITIAL_BACKOFF", 50*time.Millisecond),
			RetryMaxBackoff:     getEnvAsDuration("INGEST_RETRY_MAX_BACKOFF", time.Second),
		},
		Aggregation: AggregationConfig{
			SampleInterval:     getEnvAsDuration("AGGREGATION_SAMPLE_INTERVAL", 30*time.Second),
			ReconcileInterval:  getEnvAsDuration("AGGREGATION_RECONCILE_INTERVAL", time.Minute),
			ReconcileBatchSize: getEnvAsInt("AGGREGATION_RECONCILE_BATCH_SIZE", 100),
			BucketLocks:        getEnvAsBool("AGGREGATION_BUCKET_LOCKS", false),
		},
		Cache: CacheConfig{
			Timeout:     getEnvAsDuration("CACHE_TIMEOUT", 250*time.Millisecond),
			RealtimeTTL: getEnvAsDuration("CACHE_REALTIME_TTL", 5*time.Minute),
			OverviewTTL: getEnvAsDuration("CACHE_OVERVIEW_TTL", 30*time.Second),
			SummaryTTL:  time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:      getEnvAsBool("RATE_LIMIT_ENABLED", true),
			IngestLimit:  getEnvAsInt("RATE_LIMIT_INGEST_MAX_REQUESTS", 100000),
			IngestWindow: getEnvAsDuration("RATE_LIMIT_INGEST_WINDOW", time.Hour),
			QueryLimit:   getEnvAsInt("RATE_LIMIT_QUERY_MAX_REQUESTS", 100000),
			QueryWindow:  getEnvAsDuration("RATE_LIMIT_QUERY_WINDOW", time.Hour),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.Validation.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.Aggregation.SampleInterval <= 0 {
		return fmt.Errorf("AGGREGATION_SAMPLE_INTERVAL must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.IngestLimit <= 0 || c.RateLimit.IngestWindow <= 0 {
			return fmt.Errorf("ingest rate limit must be positive")
		}
		if c.RateLimit.QueryLimit <= 0 || c.RateLimit.QueryWindow <= 0 {
			return fmt.Errorf("query rate limit must be positive")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s", "5m") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
