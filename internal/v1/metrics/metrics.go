package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the Pairlane signaling plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: pairlane (application-level grouping)
// - subsystem: websocket, room, signaling (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, queue depth)
// - Counter: cumulative events (frames relayed, frames dropped)
// - Histogram: latency distributions (frame processing time)

var (
	// ActiveWebSocketConnections tracks the current number of open signaling sockets
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// WaitingReceivers tracks queue depth per room
	WaitingReceivers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "waiting_receivers",
		Help:      "Number of receivers waiting for a transfer slot in each room",
	}, []string{"room_id"})

	// ActiveReceivers tracks promoted receivers per room
	ActiveReceivers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "active_receivers",
		Help:      "Number of receivers holding a transfer slot in each room",
	}, []string{"room_id"})

	// SignalingFrames counts signaling frames by type and outcome
	SignalingFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "signaling",
		Name:      "frames_total",
		Help:      "Total signaling frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks room actor processing time per frame
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pairlane",
		Subsystem: "signaling",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing signaling frames",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	}, []string{"frame_type"})

	// TransfersCompleted counts transfer-done frames accepted from senders
	TransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "room",
		Name:      "transfers_completed_total",
		Help:      "Total transfers reported done by senders",
	})

	// RateLimitExceeded counts requests rejected by a rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlane",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState reports the store breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairlane",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
