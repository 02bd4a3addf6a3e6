package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Number of currently attached streams by role.",
	}, []string{"role"})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Total number of envelopes received by type.",
	}, []string{"type"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total number of envelopes written to streams.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_received_total",
		Help: "Total bytes received across all streams.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_sent_total",
		Help: "Total bytes sent across all streams.",
	})
	PolicyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_policy_violations_total",
		Help: "Total number of streams closed for protocol violations, by reason.",
	}, []string{"reason"})
	InvalidProxy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_invalid_proxy_total",
		Help: "Total number of proxy envelopes dropped for an invalid inner type or tenant mismatch.",
	})
	GatewayFailedAttempts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_gateway_failed_attempts",
		Help: "Consecutive failed connection attempts per configured gateway. Resets to 0 on a completed handshake.",
	}, []string{"gateway"})
	PendingResponses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_responses",
		Help: "Number of control requests awaiting a correlated response.",
	})
	BusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bus_requests_total",
		Help: "Total number of message-bus conversations by outcome.",
	}, []string{"conversation", "status"})
	ControlRelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_control_relay_duration_seconds",
		Help:    "Time from accepting a bus control request to answering it.",
		Buckets: prometheus.DefBuckets,
	})
	ListPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_list_pushes_total",
		Help: "Total number of unsolicited client-list pushes to portals and gateways.",
	})
)
