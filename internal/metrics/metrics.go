package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus instruments for the telemetry service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingestReadings  *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	cacheRequests   *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	storeRetries    *prometheus.CounterVec
	anomalies       prometheus.Counter
	reconciled      *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	consumerResults *prometheus.CounterVec
}

// NewMetrics registers the service metrics, plus Go and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ingestReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_ingest_readings_total",
			Help: "Readings processed by outcome status.",
		}, []string{"status"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_ingest_duration_seconds",
			Help:    "Ingestion call latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_cache_requests_total",
			Help: "Cache lookups and writes by family and result.",
		}, []string{"family", "result"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_rate_limit_decisions_total",
			Help: "Rate limiter decisions by route class.",
		}, []string{"class", "decision"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_store_retries_total",
			Help: "Retried store operations on the write path.",
		}, []string{"op"}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_anomalies_total",
			Help: "Accepted readings flagged as power spikes.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_reconciled_buckets_total",
			Help: "Hour buckets processed by the reconciler.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_http_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		consumerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_mq_messages_total",
			Help: "Consumed AMQP messages by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestReadings,
		m.ingestDuration,
		m.cacheRequests,
		m.rateLimit,
		m.storeRetries,
		m.anomalies,
		m.reconciled,
		m.httpRequests,
		m.httpDuration,
		m.consumerResults,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IngestOutcome(status string) {
	if m == nil {
		return
	}
	m.ingestReadings.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveIngest(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// CacheResult records a cache hit, miss or error for a key family.
func (m *Metrics) CacheResult(family, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(family, result).Inc()
}

func (m *Metrics) RateLimitDecision(class, decision string) {
	if m == nil {
		return
	}
	m.rateLimit.WithLabelValues(class, decision).Inc()
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Anomaly() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ConsumerResult(result string) {
	if m == nil {
		return
	}
	m.consumerResults.WithLabelValues(result).Inc()
}
