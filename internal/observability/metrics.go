package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "reconnects_total", Help: "Total reconnect attempts on the push channel"})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "delivery_sync", Name: "connection_state", Help: "Push channel state (0 disconnected, 1 connecting, 2 connected)"})

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_sync", Name: "events_dispatched_total", Help: "Push events dispatched to handlers"},
		[]string{"event"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "events_dropped_total", Help: "Push events with no registered handler"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "handler_panics_total", Help: "Recovered panics inside event handlers"})

	MarkReadFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "mark_read_failures_total", Help: "Failed read-confirmation calls"})

	PresenceFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "presence_failures_total", Help: "Failed per-user presence lookups"})

	PollFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_sync", Name: "poll_fallbacks_total", Help: "One-shot REST seeds of the location cache"})
)
