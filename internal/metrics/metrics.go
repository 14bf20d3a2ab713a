package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// ListenersCurrent tracks the size of the listener set
	ListenersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_listeners_current",
			Help: "Number of registered listener connections",
		},
	)

	// SourceConnected is 1 while a source occupies the slot
	SourceConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_source_connected",
			Help: "1 if a source connection currently holds the source slot, 0 otherwise",
		},
	)

	// SourceEvictionsTotal counts sources closed because a newer source connected
	SourceEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_source_evictions_total",
			Help: "Total source connections evicted by a newer source",
		},
	)

	// ConnectionsTotal counts accepted connections by role
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total accepted connections by role",
		},
		[]string{"role"},
	)

	// ConnectionErrorsTotal counts connections that terminated with a transport error
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connection_errors_total",
			Help: "Total connections terminated by a transport error, by role",
		},
		[]string{"role"},
	)
)

// Router Metrics
var (
	// SourceMessagesTotal counts payloads received from the source by peeked type
	SourceMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_source_messages_total",
			Help: "Total payloads received from the source, by payload type",
		},
		[]string{"type"},
	)

	// StaleSourceFramesTotal counts frames from a source after it was replaced
	StaleSourceFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stale_source_frames_total",
			Help: "Frames dropped because their source no longer held the source slot",
		},
	)

	// MalformedPayloadsTotal counts source payloads that were not valid JSON
	MalformedPayloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_malformed_payloads_total",
			Help: "Source payloads forwarded raw because they could not be parsed",
		},
	)

	// DeliveriesTotal counts per-listener send attempts by outcome
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-listener deliveries by outcome (sent/dropped)",
		},
		[]string{"outcome"},
	)

	// StatusEventsTotal counts synthesized status events per event type
	StatusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_status_events_total",
			Help: "Relay-synthesized status events delivered to listeners",
		},
		[]string{"event"},
	)

	// ListenerMessagesTotal counts inbound listener frames (never forwarded)
	ListenerMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_listener_messages_total",
			Help: "Frames received from listeners; they are logged and dropped",
		},
	)

	// FanoutDuration tracks how long one fan-out loop holds the registry
	FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_fanout_duration_seconds",
			Help:    "Time spent enqueueing one payload to all listeners",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketPingFailures counts failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_websocket_ping_failures_total",
			Help: "Total failed WebSocket ping writes",
		},
	)

	// WebSocketWriteErrors counts failed data frame writes
	WebSocketWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_websocket_write_errors_total",
			Help: "Total failed WebSocket data frame writes",
		},
	)

	// WebSocketUpgradeRejections counts upgrades refused, by reason
	WebSocketUpgradeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_websocket_upgrade_rejections_total",
			Help: "WebSocket upgrade requests refused, by reason",
		},
		[]string{"reason"},
	)

	// WebSocketConnectionDuration tracks connection lifetimes by role
	WebSocketConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_websocket_connection_duration_seconds",
			Help:    "WebSocket connection lifetime in seconds, by role",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
		[]string{"role"},
	)
)
