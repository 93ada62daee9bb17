package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagemark",
		Name:      "hub_clients_active",
		Help:      "Connected websocket subscribers.",
	})
	metricBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "hub_broadcasts_total",
		Help:      "Envelopes broadcast to subscribers.",
	})
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "hub_messages_sent_total",
		Help:      "Envelopes written to websocket clients.",
	})
	metricBackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pagemark",
		Name:      "hub_backpressure_drops_total",
		Help:      "Envelopes dropped because a client's send buffer was full.",
	})
)
