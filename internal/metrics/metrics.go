package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Metric names keep the kubecache_prewarm family from the original prototype.
var (
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubecache_cache_lookups_total",
			Help: "Cache presence oracle lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	fetchJobsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kubecache_fetch_jobs_created_total",
			Help: "Total delegation jobs submitted",
		},
	)

	fetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubecache_fetch_failures_total",
			Help: "Fetch job failures, split by whether the attempt ceiling was exhausted",
		},
		[]string{"terminal"},
	)

	gatesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubecache_prewarm_success_total",
			Help: "Gates released by reason (cache-hit, fetched)",
		},
		[]string{"reason"},
	)

	timeToRelease = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubecache_time_to_release_seconds",
			Help:    "Time from pod creation to gate release",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"reason"},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		cacheLookups,
		fetchJobsCreated,
		fetchFailures,
		gatesReleased,
		timeToRelease,
	)
}

func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordFetchJobCreated() {
	fetchJobsCreated.Inc()
}

func RecordFetchFailure(terminal bool) {
	if terminal {
		fetchFailures.WithLabelValues("true").Inc()
	} else {
		fetchFailures.WithLabelValues("false").Inc()
	}
}

func RecordGateReleased(reason string, sincePodCreation time.Duration) {
	gatesReleased.WithLabelValues(reason).Inc()
	timeToRelease.WithLabelValues(reason).Observe(sincePodCreation.Seconds())
}
