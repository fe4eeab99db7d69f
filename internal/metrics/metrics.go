// Package metrics provides Prometheus metrics for the history cache
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the history cache
type Metrics struct {
	// Cache reads by cache ("history", "annotation") and result
	CacheGetsTotal *prometheus.CounterVec

	// Cache writes
	CacheStoresTotal      *prometheus.CounterVec
	CacheStoreDuration    *prometheus.HistogramVec
	CacheEntriesMerged    *prometheus.CounterVec
	RenamedFilesRefetched prometheus.Counter

	// Ingestion
	IngestChunksTotal   *prometheus.CounterVec
	RepositoryBuilds    *prometheus.CounterVec
	RepositoryBuildTime *prometheus.HistogramVec

	// Live fallback fetches on cache misses
	LiveFetchesTotal *prometheus.CounterVec

	RepositoriesRegistered prometheus.Gauge

	// Read API
	APIRequestsTotal    *prometheus.CounterVec
	APIRequestDuration  *prometheus.HistogramVec
	APIRequestsInFlight prometheus.Gauge
}

// Cache read results
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultStale     = "stale"
	ResultCorrupted = "corrupted"
)

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.CacheGetsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_cache_gets_total",
			Help: "Total number of cache reads by result",
		},
		[]string{"cache", "result"},
	)

	m.CacheStoresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_cache_stores_total",
			Help: "Total number of cache store operations",
		},
		[]string{"cache", "status"},
	)

	m.CacheStoreDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "historycache_cache_store_duration_seconds",
			Help:    "Duration of cache store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"cache"},
	)

	m.CacheEntriesMerged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_entries_merged_total",
			Help: "Total number of history entries added to cached records",
		},
		[]string{"record"},
	)

	m.RenamedFilesRefetched = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "historycache_renamed_files_refetched_total",
			Help: "Total number of renamed files whose history was fetched again",
		},
	)

	m.IngestChunksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_ingest_chunks_total",
			Help: "Total number of history chunks ingested",
		},
		[]string{"status"},
	)

	m.RepositoryBuilds = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_repository_builds_total",
			Help: "Total number of repository cache builds",
		},
		[]string{"status"},
	)

	m.RepositoryBuildTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "historycache_repository_build_duration_seconds",
			Help:    "Duration of repository cache builds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"type"},
	)

	m.LiveFetchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_live_fetches_total",
			Help: "Total number of live backend fetches on cache misses",
		},
		[]string{"kind", "status"},
	)

	m.RepositoriesRegistered = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "historycache_repositories_registered",
			Help: "Number of registered repositories",
		},
	)

	m.APIRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historycache_api_requests_total",
			Help: "Total number of API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	m.APIRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "historycache_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.APIRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "historycache_api_requests_in_flight",
			Help: "Number of API requests being served",
		},
	)

	return m
}

// Nop returns unregistered metrics
func Nop() *Metrics {
	return NewMetrics(nil)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordGet records a cache read
func (m *Metrics) RecordGet(cache, result string) {
	m.CacheGetsTotal.WithLabelValues(cache, result).Inc()
}

// RecordStore records a cache write
func (m *Metrics) RecordStore(cache string, duration time.Duration, err error) {
	m.CacheStoresTotal.WithLabelValues(cache, status(err)).Inc()
	m.CacheStoreDuration.WithLabelValues(cache).Observe(duration.Seconds())
}

// RecordChunk records one ingested chunk
func (m *Metrics) RecordChunk(err error) {
	m.IngestChunksTotal.WithLabelValues(status(err)).Inc()
}

// RecordBuild records a repository cache build
func (m *Metrics) RecordBuild(repoType string, duration time.Duration, err error) {
	m.RepositoryBuilds.WithLabelValues(status(err)).Inc()
	m.RepositoryBuildTime.WithLabelValues(repoType).Observe(duration.Seconds())
}

// RecordLiveFetch records a fallback fetch from a backend
func (m *Metrics) RecordLiveFetch(kind string, err error) {
	m.LiveFetchesTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordAPIRequest records a served API request
func (m *Metrics) RecordAPIRequest(route string, code int, duration time.Duration) {
	m.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.APIRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
