package sitelink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the SDK's Prometheus collectors.
type Metrics struct {
	// Realtime channel
	RealtimeConnects          prometheus.Counter
	RealtimeReconnectAttempts prometheus.Counter
	RealtimeEventsReceived    *prometheus.CounterVec
	RealtimeDuplicatesDropped prometheus.Counter

	// Query cache
	CacheFetches       *prometheus.CounterVec
	CacheInvalidations prometheus.Counter

	// Notification listener
	ListenerInvalidations prometheus.Counter

	// Push registrar
	PushRegistrations *prometheus.CounterVec

	// Optimistic mutations
	Mutations *prometheus.CounterVec
}

// NewMetrics registers the SDK collectors on reg. A nil reg gets a private
// registry so that several SDK instances can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		RealtimeConnects: f.NewCounter(prometheus.CounterOpts{
			Name: "sitelink_realtime_connects_total",
			Help: "Successful realtime channel connections.",
		}),
		RealtimeReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "sitelink_realtime_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled after a dropped or failed connection.",
		}),
		RealtimeEventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelink_realtime_events_received_total",
			Help: "Realtime envelopes received, by type.",
		}, []string{"type"}),
		RealtimeDuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sitelink_realtime_duplicates_dropped_total",
			Help: "Notification events dropped because their id was already delivered.",
		}),
		CacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelink_cache_fetches_total",
			Help: "Query cache fetches, by result (ok, error, discarded).",
		}, []string{"result"}),
		CacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "sitelink_cache_invalidations_total",
			Help: "Query cache invalidation requests.",
		}),
		ListenerInvalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "sitelink_listener_invalidations_total",
			Help: "Invalidations requested by the notification listener.",
		}),
		PushRegistrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelink_push_registrations_total",
			Help: "Push token registration attempts, by app and result.",
		}, []string{"app", "result"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelink_optimistic_mutations_total",
			Help: "Optimistic mutations, by outcome (success, rollback).",
		}, []string{"outcome"}),
	}
}
