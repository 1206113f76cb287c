package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "equisync_"

	resultSuccess = "success"
	resultError   = "error"

	cacheResultHit     = "hit"
	cacheResultMiss    = "miss"
	cacheResultExpired = "expired"

	proxyResultNetwork  = "network"
	proxyResultCache    = "cache"
	proxyResultOffline  = "offline"
	proxyResultFailed   = "failed"
	proxyResultBypassed = "bypassed"
)

var (
	registerOnce sync.Once

	cacheLookups *prometheus.CounterVec

	reconcileTotal   *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	skippedBuckets   prometheus.Counter
	anomaliesTotal   *prometheus.CounterVec

	proxyResponses *prometheus.CounterVec
	proxyLatency   *prometheus.HistogramVec

	jobRunsTotal *prometheus.CounterVec

	readingsIngested *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		cacheLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_lookups_total",
				Help: "Cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		)

		reconcileTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_total",
				Help: "Total reconciliation passes by result",
			},
			[]string{"result"},
		)
		reconcileLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "reconcile_latency_seconds",
				Help:    "Reconciliation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		skippedBuckets = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_skipped_buckets_total",
				Help: "Buckets skipped because no input carried confidence",
			},
		)
		anomaliesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomalies_total",
				Help: "Flagged readings by anomaly kind",
			},
			[]string{"kind"},
		)

		proxyResponses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "proxy_responses_total",
				Help: "Offline proxy responses by policy and result",
			},
			[]string{"policy", "result"},
		)
		proxyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "proxy_latency_seconds",
				Help:    "Offline proxy round trip latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		)

		jobRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_job_runs_total",
				Help: "Scheduler job runs by job and result",
			},
			[]string{"job", "result"},
		)

		readingsIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_ingested_total",
				Help: "Local readings enqueued by channel",
			},
			[]string{"channel"},
		)

		prometheus.MustRegister(
			cacheLookups,
			reconcileTotal,
			reconcileLatency,
			skippedBuckets,
			anomaliesTotal,
			proxyResponses,
			proxyLatency,
			jobRunsTotal,
			readingsIngested,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveCacheLookup counts a cache lookup outcome.
func ObserveCacheLookup(cache, result string) {
	if cache == "" {
		cache = "unknown"
	}
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(cache, result).Inc()
	}
}

// ObserveReconcile records reconciliation duration and result.
func ObserveReconcile(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileTotal != nil {
		reconcileTotal.WithLabelValues(result).Inc()
	}
	if reconcileLatency != nil {
		reconcileLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddSkippedBuckets counts zero-confidence buckets left out of a merge.
func AddSkippedBuckets(count int) {
	if count <= 0 {
		return
	}
	if skippedBuckets != nil {
		skippedBuckets.Add(float64(count))
	}
}

// AddAnomalies counts flagged readings of one kind.
func AddAnomalies(kind string, count int) {
	if count <= 0 {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	if anomaliesTotal != nil {
		anomaliesTotal.WithLabelValues(kind).Add(float64(count))
	}
}

// ObserveProxy records an offline proxy response.
func ObserveProxy(policy, result string, duration time.Duration) {
	if policy == "" {
		policy = "unknown"
	}
	if proxyResponses != nil {
		proxyResponses.WithLabelValues(policy, result).Inc()
	}
	if proxyLatency != nil {
		proxyLatency.WithLabelValues(policy).Observe(duration.Seconds())
	}
}

// IncJobRun counts a scheduler job run.
func IncJobRun(job, result string) {
	if job == "" {
		job = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if jobRunsTotal != nil {
		jobRunsTotal.WithLabelValues(job, result).Inc()
	}
}

// AddReadingsIngested counts readings enqueued through a channel (http, mqtt).
func AddReadingsIngested(channel string, count int) {
	if count <= 0 {
		return
	}
	if readingsIngested != nil {
		readingsIngested.WithLabelValues(channel).Add(float64(count))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CacheHit     = cacheResultHit
	CacheMiss    = cacheResultMiss
	CacheExpired = cacheResultExpired

	ProxyNetwork  = proxyResultNetwork
	ProxyCache    = proxyResultCache
	ProxyOffline  = proxyResultOffline
	ProxyFailed   = proxyResultFailed
	ProxyBypassed = proxyResultBypassed
)
