// Package metrics exports Prometheus instrumentation for a Motion
// instance: queue depth, cache hit/miss, version, worker batch size, and
// lock contention. Naming follows the motion_<subsystem>_<name>_<unit>
// convention.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric a Motion instance reports. Construct one
// with New and pass it to executor.New, state.Config and worker.Flow; a nil *Registry
// is valid everywhere it's accepted and simply records nothing, so
// instrumentation is opt-in.
type Registry struct {
	queueDepth       *prometheus.GaugeVec
	queueSubmissions *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	version          *prometheus.GaugeVec
	batchSize        *prometheus.HistogramVec
	lockWaitSeconds  *prometheus.HistogramVec
	lockContentions  *prometheus.CounterVec
	flushSeconds     *prometheus.HistogramVec
}

// New creates and registers a Registry's metrics against registerer.
// Pass prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration
// panics across test runs.
func New(registerer prometheus.Registerer) *Registry {
	r := &Registry{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "motion",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of update jobs currently buffered per flow key.",
			},
			[]string{"flow_key"},
		),
		queueSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "motion",
				Subsystem: "queue",
				Name:      "submissions_total",
				Help:      "Update job submissions by flow key and result (accepted/rejected).",
			},
			[]string{"flow_key", "result"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "motion",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Result cache hits by flow key.",
			},
			[]string{"flow_key"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "motion",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Result cache misses by flow key.",
			},
			[]string{"flow_key"},
		),
		version: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "motion",
				Subsystem: "state",
				Name:      "version",
				Help:      "Current state version by instance name.",
			},
			[]string{"instance"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "motion",
				Subsystem: "worker",
				Name:      "batch_size",
				Help:      "Number of jobs merged into a single update batch, by flow key.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"flow_key"},
		),
		lockWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "motion",
				Subsystem: "state",
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring the state lock, by instance name.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"instance"},
		),
		lockContentions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "motion",
				Subsystem: "state",
				Name:      "lock_contentions_total",
				Help:      "Lock acquisitions that gave up after the configured deadline, by instance name.",
			},
			[]string{"instance"},
		),
		flushSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "motion",
				Subsystem: "queue",
				Name:      "flush_seconds",
				Help:      "Time spent waiting for a flush barrier to drain, by flow key.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"flow_key"},
		),
	}

	registerer.MustRegister(
		r.queueDepth,
		r.queueSubmissions,
		r.cacheHits,
		r.cacheMisses,
		r.version,
		r.batchSize,
		r.lockWaitSeconds,
		r.lockContentions,
		r.flushSeconds,
	)
	return r
}

func (r *Registry) SetQueueDepth(flowKey string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(flowKey).Set(float64(depth))
}

func (r *Registry) RecordQueueSubmission(flowKey, result string) {
	if r == nil {
		return
	}
	r.queueSubmissions.WithLabelValues(flowKey, result).Inc()
}

func (r *Registry) RecordCacheHit(flowKey string) {
	if r == nil {
		return
	}
	r.cacheHits.WithLabelValues(flowKey).Inc()
}

func (r *Registry) RecordCacheMiss(flowKey string) {
	if r == nil {
		return
	}
	r.cacheMisses.WithLabelValues(flowKey).Inc()
}

func (r *Registry) SetVersion(instance string, version uint64) {
	if r == nil {
		return
	}
	r.version.WithLabelValues(instance).Set(float64(version))
}

func (r *Registry) ObserveBatchSize(flowKey string, n int) {
	if r == nil {
		return
	}
	r.batchSize.WithLabelValues(flowKey).Observe(float64(n))
}

func (r *Registry) ObserveLockWait(instance string, seconds float64) {
	if r == nil {
		return
	}
	r.lockWaitSeconds.WithLabelValues(instance).Observe(seconds)
}

func (r *Registry) RecordLockContention(instance string) {
	if r == nil {
		return
	}
	r.lockContentions.WithLabelValues(instance).Inc()
}

func (r *Registry) ObserveFlush(flowKey string, seconds float64) {
	if r == nil {
		return
	}
	r.flushSeconds.WithLabelValues(flowKey).Observe(seconds)
}
