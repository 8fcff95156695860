package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenconnect_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "greenconnect_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenconnect_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenconnect_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts messages delivered per conversation kind.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenconnect_message_throughput_total",
		Help: "Total number of chat messages processed",
	}, []string{"kind", "channel"})

	// ConversationFanout counts realtime fan-out deliveries by target type.
	ConversationFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenconnect_conversation_fanout_total",
		Help: "Total realtime fan-out deliveries by target type",
	}, []string{"target"})
)
