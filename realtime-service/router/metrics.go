package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "router",
		Name:      "active_connections",
		Help:      "Authenticated websocket connections.",
	})
	framesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "router",
		Name:      "frames_relayed_total",
		Help:      "Message frames queued for delivery, by message kind.",
	}, []string{"kind"})
	droppedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "router",
		Name:      "dropped_connections_total",
		Help:      "Connections closed by the server, by reason.",
	}, []string{"reason"})
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "router",
		Name:      "auth_failures_total",
		Help:      "Connections rejected before becoming active.",
	}, []string{"reason"})
	bridgeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "router",
		Name:      "bridge_reconnects_total",
		Help:      "Times the Redis envelope subscription was re-established.",
	})
)
