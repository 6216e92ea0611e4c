// Package metrics exposes store activity as Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dirtree"

// Snapshot is the point-in-time state reported by the gauge metrics.
type Snapshot struct {
	Entries        int
	FilesLoaded    int
	MergeConflicts int
	Generation     uint64
	CacheEntries   int
	CacheBytes     int64
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
}

// Collector implements prometheus.Collector for one store.
type Collector struct {
	registry *prometheus.Registry

	reloads        *prometheus.CounterVec
	reloadDuration prometheus.Histogram
	writes         *prometheus.CounterVec
	funcs          []prometheus.Collector

	mu     sync.RWMutex
	source func() Snapshot
}

// New creates a collector and registers it on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Tree reloads by result.",
		}, []string{"result"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reload_duration_seconds",
			Help:      "Time to load, merge and build the tree.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write operations by operation and result.",
		}, []string{"op", "result"}),
	}

	gauge := func(name, help string, fn func(Snapshot) float64) {
		c.funcs = append(c.funcs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(c.snapshot()) }))
	}
	counter := func(name, help string, fn func(Snapshot) float64) {
		c.funcs = append(c.funcs, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(c.snapshot()) }))
	}
	gauge("entries", "Record-backed entries in the current tree.", func(s Snapshot) float64 { return float64(s.Entries) })
	gauge("files_loaded", "Source files loaded into the current tree.", func(s Snapshot) float64 { return float64(s.FilesLoaded) })
	gauge("merge_conflicts", "Duplicate DNs resolved by the merge policy in the last load.", func(s Snapshot) float64 { return float64(s.MergeConflicts) })
	gauge("generation", "Number of trees published since open.", func(s Snapshot) float64 { return float64(s.Generation) })
	gauge("cache_entries", "Materialized entries held by the lazy cache.", func(s Snapshot) float64 { return float64(s.CacheEntries) })
	gauge("cache_memory_bytes", "Estimated bytes held by the lazy cache.", func(s Snapshot) float64 { return float64(s.CacheBytes) })
	counter("cache_hits_total", "Lazy cache hits.", func(s Snapshot) float64 { return float64(s.CacheHits) })
	counter("cache_misses_total", "Lazy cache misses.", func(s Snapshot) float64 { return float64(s.CacheMisses) })
	counter("cache_evictions_total", "Lazy cache evictions.", func(s Snapshot) float64 { return float64(s.CacheEvictions) })

	c.registry.MustRegister(c)
	return c
}

// SetSource sets the function the gauges read. Until it is called they
// report zero.
func (c *Collector) SetSource(fn func() Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = fn
}

func (c *Collector) snapshot() Snapshot {
	c.mu.RLock()
	fn := c.source
	c.mu.RUnlock()
	if fn == nil {
		return Snapshot{}
	}
	return fn()
}

// ObserveReload records one reload attempt.
func (c *Collector) ObserveReload(d time.Duration, err error) {
	c.reloads.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.reloadDuration.Observe(d.Seconds())
	}
}

// ObserveWrite records one write operation.
func (c *Collector) ObserveWrite(op string, err error) {
	c.writes.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.reloads.Describe(ch)
	c.reloadDuration.Describe(ch)
	c.writes.Describe(ch)
	for _, f := range c.funcs {
		f.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reloads.Collect(ch)
	c.reloadDuration.Collect(ch)
	c.writes.Collect(ch)
	for _, f := range c.funcs {
		f.Collect(ch)
	}
}

// Registry returns the private registry the collector is registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
