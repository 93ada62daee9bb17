package live

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "live_events_applied_total",
		Help:      "Inbound push-channel events applied to the store.",
	})
	metricEventsOrphaned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "live_events_orphaned_total",
		Help:      "Inbound update/delete events referencing unknown record ids.",
	})
	metricEventsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "live_events_filtered_total",
		Help:      "Inbound events ignored because they belong to another scope.",
	})
	metricMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "live_messages_malformed_total",
		Help:      "Push-channel messages discarded because they failed to parse.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "live_reconnects_total",
		Help:      "Times the push channel was reopened after a failure.",
	})
	metricConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagemark",
		Name:      "live_connection_state",
		Help:      "Current connection state (0 disconnected, 1 connecting, 2 open, 3 reconnecting).",
	})
)
