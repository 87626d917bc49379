package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics (shared shape, labeled by cache name: "dependency" or "image")
	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_cache_entries_total",
			Help: "Total number of cache entries by cache and stage",
		},
		[]string{"cache", "stage"},
	)

	CacheSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_cache_size_bytes",
			Help: "Total on-disk size of non-downloading cache entries",
		},
		[]string{"cache"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"cache", "reason"},
	)

	CacheFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_cache_fetch_duration_seconds",
			Help:    "Time taken to fetch a cache entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache", "outcome"},
	)

	MaintenanceCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_cache_maintenance_cycles_total",
			Help: "Total number of cache background maintenance cycles completed",
		},
		[]string{"cache"},
	)

	MaintenanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_cache_maintenance_duration_seconds",
			Help:    "Time taken for a cache maintenance cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	// Run (RunStateMachine) metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_runs_total",
			Help: "Current number of runs by stage",
		},
		[]string{"stage"},
	)

	RunStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_run_stage_duration_seconds",
			Help:    "Time spent in each run stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RunsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runs_finalized_total",
			Help: "Total number of runs finalized, by final state",
		},
		[]string{"state"},
	)

	// WorkerLoop metrics
	CheckinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_checkins_total",
			Help: "Total number of check-ins issued to the bundle service, by outcome",
		},
		[]string{"outcome"},
	)

	CheckinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_checkin_duration_seconds",
			Help:    "Check-in round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gateway metrics
	GatewaySocketsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_gateway_sockets_total",
			Help: "Current number of registered gateway sockets by availability",
		},
		[]string{"available"},
	)

	GatewayReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_gateway_idle_reclaims_total",
			Help: "Total number of gateway sockets reclaimed past their idle timeout",
		},
	)
)

func init() {
	prometheus.MustRegister(CacheEntriesTotal)
	prometheus.MustRegister(CacheSizeBytes)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheFetchDuration)
	prometheus.MustRegister(MaintenanceCyclesTotal)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunStageDuration)
	prometheus.MustRegister(RunsFinalizedTotal)
	prometheus.MustRegister(CheckinsTotal)
	prometheus.MustRegister(CheckinDuration)
	prometheus.MustRegister(GatewaySocketsTotal)
	prometheus.MustRegister(GatewayReclaimsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
