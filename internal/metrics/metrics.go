// Package metrics holds the Prometheus collectors exported on
// /__sync/metrics.
//
// All recording methods are safe to call on a nil *Metrics so components
// can run without metrics in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every attendsync collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	cacheStores    *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	fetches        *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueEnqueued  prometheus.Counter
	replays        *prometheus.CounterVec
	drains         *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	pushDelivered  prometheus.Counter
	probes         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_cache_lookups_total",
			Help: "Cache lookups by tier and result (hit, miss)",
		}, []string{"tier", "result"}),

		cacheStores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_cache_stores_total",
			Help: "Responses written to the cache by tier",
		}, []string{"tier"}),

		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_cache_evictions_total",
			Help: "Dynamic entries trimmed to respect the size limit",
		}),

		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_fetch_total",
			Help: "Intercepted fetches by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_queue_depth",
			Help: "Pending mutations waiting for replay",
		}),

		queueEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_queue_enqueued_total",
			Help: "Mutations deferred into the queue",
		}),

		replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_replays_total",
			Help: "Mutation replays by outcome",
		}, []string{"outcome"}),

		drains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_drains_total",
			Help: "Drain passes by result (completed, coalesced, failed)",
		}, []string{"result"}),

		drainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendsync_drain_duration_seconds",
			Help:    "Wall time of a drain pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		pushDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_push_deliveries_total",
			Help: "Notifications delivered to connected clients",
		}),

		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_connectivity_probes_total",
			Help: "Connectivity probes by result (online, offline)",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) CacheStored(tier string) {
	if m == nil {
		return
	}
	m.cacheStores.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

func (m *Metrics) Fetch(strategy, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

func (m *Metrics) Replay(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

// Drain records one drain pass. Coalesced passes carry no duration.
func (m *Metrics) Drain(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(result).Inc()
	if d > 0 {
		m.drainDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) PushDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushDelivered.Add(float64(n))
}

func (m *Metrics) Probe(online bool) {
	if m == nil {
		return
	}
	result := "offline"
	if online {
		result = "online"
	}
	m.probes.WithLabelValues(result).Inc()
}
