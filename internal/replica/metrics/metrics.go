// Package metrics holds the Prometheus collectors of the replica core. Each
// Collector owns a private registry so that tests and multiple stores in one
// process never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replica"

// Collector holds all Prometheus metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Cache metrics
	CacheRequests      *prometheus.CounterVec
	CacheFetchDuration *prometheus.HistogramVec
	CacheCoalesced     *prometheus.CounterVec

	// Sync metrics
	SyncCycles        *prometheus.CounterVec
	SyncCycleDuration prometheus.Histogram
	SyncDegraded      prometheus.Gauge
	ChangesApplied    *prometheus.CounterVec
	OpsUploaded       *prometheus.CounterVec

	// Outbox metrics
	OutboxDepth *prometheus.GaugeVec
}

// New creates a collector on a fresh registry, including Go runtime and
// process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Cache-first reads by category and result (hit, fetched, stale, error)",
			},
			[]string{"category", "result"},
		),
		CacheFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_fetch_duration_seconds",
				Help:      "Remote fetch duration on cache miss",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		CacheCoalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_coalesced_total",
				Help:      "Reads that shared an in-flight fetch",
			},
			[]string{"category"},
		),
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_cycles_total",
				Help:      "Reconciliation cycles by outcome",
			},
			[]string{"outcome"},
		),
		SyncCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_cycle_duration_seconds",
				Help:      "Reconciliation cycle duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SyncDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_degraded",
				Help:      "1 while the reconciliation loop has exhausted its retry budget",
			},
		),
		ChangesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_changes_applied_total",
				Help:      "Remote changes applied to the local store",
			},
			[]string{"collection", "type"},
		),
		OpsUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_ops_uploaded_total",
				Help:      "Outbox records uploaded by remote status",
			},
			[]string{"status"},
		),
		OutboxDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_records",
				Help:      "Outbox records by state",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		c.CacheRequests,
		c.CacheFetchDuration,
		c.CacheCoalesced,
		c.SyncCycles,
		c.SyncCycleDuration,
		c.SyncDegraded,
		c.ChangesApplied,
		c.OpsUploaded,
		c.OutboxDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) CacheRequest(category, result string) {
	if c == nil {
		return
	}
	c.CacheRequests.WithLabelValues(category, result).Inc()
}

func (c *Collector) CacheFetch(category string, d time.Duration, shared bool) {
	if c == nil {
		return
	}
	c.CacheFetchDuration.WithLabelValues(category).Observe(d.Seconds())
	if shared {
		c.CacheCoalesced.WithLabelValues(category).Inc()
	}
}

func (c *Collector) SyncCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.SyncCycles.WithLabelValues(outcome).Inc()
	c.SyncCycleDuration.Observe(d.Seconds())
}

func (c *Collector) SetDegraded(degraded bool) {
	if c == nil {
		return
	}
	if degraded {
		c.SyncDegraded.Set(1)
	} else {
		c.SyncDegraded.Set(0)
	}
}

func (c *Collector) ChangeApplied(collection, op string) {
	if c == nil {
		return
	}
	c.ChangesApplied.WithLabelValues(collection, op).Inc()
}

func (c *Collector) OpsUploadedAdd(status string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.OpsUploaded.WithLabelValues(status).Add(float64(n))
}

func (c *Collector) SetOutboxDepth(state string, n int) {
	if c == nil {
		return
	}
	c.OutboxDepth.WithLabelValues(state).Set(float64(n))
}
