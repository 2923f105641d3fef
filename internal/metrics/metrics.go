// Package metrics provides Prometheus instrumentation for the kataribe client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics holds instruments for the conversation history window cache.
type CacheMetrics struct {
	WindowHits           prometheus.Counter
	WindowMisses         prometheus.Counter
	WindowEvictions      prometheus.Counter
	EventsInserted       prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	BackendPages         prometheus.Counter
	BackendFailures      prometheus.Counter
	Windows              prometheus.Gauge
	CachedEvents         prometheus.Gauge
}

// NewCacheMetrics creates and registers all window cache metrics against reg.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	factory := promauto.With(reg)

	return &CacheMetrics{
		WindowHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_window_hits_total",
			Help: "Lookups that found an existing conversation window",
		}),
		WindowMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_window_misses_total",
			Help: "Lookups that had to create a conversation window",
		}),
		WindowEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_window_evictions_total",
			Help: "Conversation windows evicted by the LRU bound",
		}),
		EventsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_events_inserted_total",
			Help: "Real-time events merged into a window",
		}),
		DuplicatesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_duplicates_suppressed_total",
			Help: "Real-time events dropped because the id was already cached",
		}),
		BackendPages: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_backend_pages_total",
			Help: "Pages fetched from the backend query port",
		}),
		BackendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kataribe_history_backend_failures_total",
			Help: "Backend query port calls that failed and degraded to cached data",
		}),
		Windows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kataribe_history_windows",
			Help: "Conversation windows currently cached",
		}),
		CachedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kataribe_history_cached_events",
			Help: "Events currently held across all windows",
		}),
	}
}
