package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_active",
		Help: "Number of live websocket sessions.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_online_users",
		Help: "Number of users present in the registry.",
	})

	PushEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_push_events_total",
		Help: "Frames queued to live sessions, by event name.",
	}, []string{"event"})

	PushDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_push_dropped_total",
		Help: "Pushes not delivered, by reason (offline, slow_consumer).",
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_messages_sent_total",
		Help: "Messages accepted and persisted.",
	})

	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_store_op_seconds",
		Help:    "Durable store operation latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	StoreTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_store_timeouts_total",
		Help: "Store operations that exceeded the query timeout.",
	}, []string{"op"})

	StoreLateRetractions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_store_late_retractions_total",
		Help: "Message writes that committed after their caller timed out and were soft-deleted.",
	})

	RetentionPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_retention_purged_total",
		Help: "Soft-deleted messages removed by the retention job.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		PushEvents,
		PushDropped,
		MessagesSent,
		StoreOpDuration,
		StoreTimeouts,
		StoreLateRetractions,
		RetentionPurged,
	)
}
