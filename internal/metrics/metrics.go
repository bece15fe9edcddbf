// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicplan/plantree/internal/tree"
)

// Mutation results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	mutationChanges  prometheus.Histogram
	builds           *prometheus.CounterVec
	buildNodes       prometheus.Histogram
	cacheRequests    *prometheus.CounterVec
	streamClients    prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantree_mutations_total",
			Help: "Tree mutations by operation and result",
		}, []string{"operation", "result"}),
		mutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plantree_mutation_duration_seconds",
			Help:    "Time from lock acquisition to commit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"operation"}),
		mutationChanges: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "plantree_mutation_changed_nodes",
			Help:    "Nodes written per committed mutation",
			Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000},
		}),
		builds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantree_tree_builds_total",
			Help: "Tree assemblies by scope",
		}, []string{"scope"}),
		buildNodes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "plantree_tree_build_nodes",
			Help:    "Nodes assembled per build",
			Buckets: []float64{10, 100, 1000, 10000, 100000},
		}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "plantree_decoration_cache_requests_total",
			Help: "Decoration cache lookups by result",
		}, []string{"result"}),
		streamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "plantree_event_stream_clients",
			Help: "Connected tree event stream clients",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMutation records one mutation attempt.
func (m *Metrics) ObserveMutation(operation, result string, elapsed time.Duration, changed int) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, result).Inc()
	m.mutationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if result == ResultOK {
		m.mutationChanges.Observe(float64(changed))
	}
}

// ObserveBuild records one tree assembly.
func (m *Metrics) ObserveBuild(scope string, nodes int) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(scope).Inc()
	m.buildNodes.Observe(float64(nodes))
}

// StreamConnected adjusts the connected-clients gauge by delta.
func (m *Metrics) StreamConnected(delta int) {
	if m == nil {
		return
	}
	m.streamClients.Add(float64(delta))
}

// InstrumentCache counts hits and misses of c.
func (m *Metrics) InstrumentCache(c tree.Cache) tree.Cache {
	if m == nil || c == nil {
		return c
	}
	return &instrumentedCache{
		next:   c,
		hits:   m.cacheRequests.WithLabelValues("hit"),
		misses: m.cacheRequests.WithLabelValues("miss"),
	}
}

type instrumentedCache struct {
	next   tree.Cache
	hits   prometheus.Counter
	misses prometheus.Counter
}

func (c *instrumentedCache) Get(key uint64) (tree.Annotated, bool) {
	a, ok := c.next.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return a, ok
}

func (c *instrumentedCache) Set(key uint64, a tree.Annotated) {
	c.next.Set(key, a)
}
