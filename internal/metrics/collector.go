// Package metrics exposes cache, dispatch and snapshot counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/document"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// Sources reads the live counters. Nil sources are skipped.
type Sources struct {
	CacheState       func() cache.QueryState
	DispatchStats    func() document.Stats
	LiveDocuments    func() int
	PendingSnapshots func() int
}

// Collector converts Sources into Prometheus samples at scrape time.
type Collector struct {
	sources          Sources
	cacheAttempts    *prometheus.Desc
	cacheHits        *prometheus.Desc
	dispatched       *prometheus.Desc
	dispatchFailures *prometheus.Desc
	liveDocuments    *prometheus.Desc
	pendingSnapshots *prometheus.Desc
}

// NewCollector builds a collector over sources.
func NewCollector(sources Sources) *Collector {
	return &Collector{
		sources: sources,
		cacheAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "redis_query_attempts_total"),
			"Redis lookups for encoded collab state.", nil, nil),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "redis_query_success_total"),
			"Redis lookups that returned encoded collab state.", nil, nil),
		dispatched: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "messages_total"),
			"Client frames processed by the dispatch actor.", nil, nil),
		dispatchFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "failures_total"),
			"Client frames the dispatch actor rejected.", nil, nil),
		liveDocuments: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "realtime", "documents"),
			"Documents with live state or subscribers.", nil, nil),
		pendingSnapshots: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "queue_length"),
			"Snapshot requests waiting for the worker.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.cacheAttempts
	descs <- c.cacheHits
	descs <- c.dispatched
	descs <- c.dispatchFailures
	descs <- c.liveDocuments
	descs <- c.pendingSnapshots
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(samples chan<- prometheus.Metric) {
	if c.sources.CacheState != nil {
		state := c.sources.CacheState()
		samples <- prometheus.MustNewConstMetric(c.cacheAttempts, prometheus.CounterValue, float64(state.TotalAttempts))
		samples <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(state.SuccessAttempts))
	}
	if c.sources.DispatchStats != nil {
		stats := c.sources.DispatchStats()
		samples <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(stats.Processed))
		samples <- prometheus.MustNewConstMetric(c.dispatchFailures, prometheus.CounterValue, float64(stats.Failed))
	}
	if c.sources.LiveDocuments != nil {
		samples <- prometheus.MustNewConstMetric(c.liveDocuments, prometheus.GaugeValue, float64(c.sources.LiveDocuments()))
	}
	if c.sources.PendingSnapshots != nil {
		samples <- prometheus.MustNewConstMetric(c.pendingSnapshots, prometheus.GaugeValue, float64(c.sources.PendingSnapshots()))
	}
}

// NewRegistry registers the collector alongside the Go runtime and process collectors.
func NewRegistry(collector *Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	for _, item := range []prometheus.Collector{
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(item); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
