// Package metrics exposes Prometheus instruments for the hub. Every method is
// safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the hub
type Collector struct {
	registry *prometheus.Registry

	// Cache metrics
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	CacheStoreErrors  *prometheus.CounterVec
	CacheBreakerState *prometheus.GaugeVec

	// Ingestion metrics
	EventsIngested      *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec
	SubscriptionsOpen   prometheus.Gauge
	SubscriptionsOpened prometheus.Counter

	// Graph metrics
	GraphNodes prometheus.Gauge
	GraphEdges prometheus.Gauge
	GraphPhase *prometheus.GaugeVec

	// Feed metrics
	FeedItems *prometheus.GaugeVec
}

// NewCollector creates a collector on its own registry
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by kind and layer",
		}, []string{"kind", "layer"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by kind",
		}, []string{"kind"}),
		CacheStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Persistent layer failures by kind and operation",
		}, []string{"kind", "operation"}),
		CacheBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_breaker_state",
			Help:      "Persistent layer breaker state per kind (0 closed, 1 half-open, 2 open)",
		}, []string{"kind"}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events applied by consumer and kind",
		}, []string{"consumer", "kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by consumer and reason",
		}, []string{"consumer", "reason"}),
		SubscriptionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_open",
			Help:      "Subscriptions currently open",
		}),
		SubscriptionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_opened_total",
			Help:      "Subscriptions opened",
		}),
		GraphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes in the latest published graph",
		}),
		GraphEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_edges",
			Help:      "Edges in the latest published graph",
		}),
		GraphPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_phase",
			Help:      "1 for the discovery phase currently running",
		}, []string{"phase"}),
		FeedItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_items",
			Help:      "Items in the current feed result",
		}, []string{"list"}),
	}

	registry.MustRegister(
		c.CacheHits,
		c.CacheMisses,
		c.CacheStoreErrors,
		c.CacheBreakerState,
		c.EventsIngested,
		c.EventsDropped,
		c.SubscriptionsOpen,
		c.SubscriptionsOpened,
		c.GraphNodes,
		c.GraphEdges,
		c.GraphPhase,
		c.FeedItems,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the Prometheus registry for this collector
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) CacheHit(kind, layer string) {
	if c == nil {
		return
	}
	c.CacheHits.WithLabelValues(kind, layer).Inc()
}

func (c *Collector) CacheMiss(kind string) {
	if c == nil {
		return
	}
	c.CacheMisses.WithLabelValues(kind).Inc()
}

func (c *Collector) CacheStoreError(kind, operation string) {
	if c == nil {
		return
	}
	c.CacheStoreErrors.WithLabelValues(kind, operation).Inc()
}

// BreakerState records the breaker state for kind. Values follow
// gobreaker.State ordering.
func (c *Collector) BreakerState(kind string, state int) {
	if c == nil {
		return
	}
	c.CacheBreakerState.WithLabelValues(kind).Set(float64(state))
}

func (c *Collector) EventIngested(consumer string, kind int) {
	if c == nil {
		return
	}
	c.EventsIngested.WithLabelValues(consumer, kindLabel(kind)).Inc()
}

func (c *Collector) EventDropped(consumer, reason string) {
	if c == nil {
		return
	}
	c.EventsDropped.WithLabelValues(consumer, reason).Inc()
}

func (c *Collector) SubscriptionOpened() {
	if c == nil {
		return
	}
	c.SubscriptionsOpened.Inc()
	c.SubscriptionsOpen.Inc()
}

func (c *Collector) SubscriptionClosed() {
	if c == nil {
		return
	}
	c.SubscriptionsOpen.Dec()
}

// GraphSize records the size of the latest published graph
func (c *Collector) GraphSize(nodes, edges int) {
	if c == nil {
		return
	}
	c.GraphNodes.Set(float64(nodes))
	c.GraphEdges.Set(float64(edges))
}

// Phase marks phase as the running discovery phase
func (c *Collector) Phase(phase string, all []string) {
	if c == nil {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.GraphPhase.WithLabelValues(p).Set(v)
	}
}

func (c *Collector) FeedSize(notes, images int) {
	if c == nil {
		return
	}
	c.FeedItems.WithLabelValues("notes").Set(float64(notes))
	c.FeedItems.WithLabelValues("images").Set(float64(images))
}

func kindLabel(kind int) string {
	switch kind {
	case 0:
		return "profile"
	case 1:
		return "note"
	case 3:
		return "follows"
	}
	return "other"
}
