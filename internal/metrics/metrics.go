// Package metrics provides Prometheus instrumentation for pirelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pirelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pirelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pirelay_connected_clients",
		Help: "Number of currently connected relay clients.",
	})

	ActiveHubs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pirelay_active_hubs",
		Help: "Number of in-memory session hubs.",
	})

	SessionsIdled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pirelay_sessions_idled_total",
		Help: "Total number of sessions paused by the idle reaper.",
	})
)

// Journal metrics.
var (
	EventsJournaled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pirelay_events_journaled_total",
		Help: "Total number of events appended to the journal.",
	})

	JournalAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pirelay_journal_append_failures_total",
		Help: "Total number of failed journal appends. Failed events are dropped from forwarding.",
	})
)

// WebSocket metrics.
var (
	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pirelay_ws_messages_total",
		Help: "Total number of WebSocket frames sent to clients.",
	})

	SlowConsumersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pirelay_slow_consumers_dropped_total",
		Help: "Total number of clients disconnected for not draining their outbound queue.",
	})
)
