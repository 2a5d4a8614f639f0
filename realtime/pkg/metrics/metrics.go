package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_claim_attempts_total",
			Help: "Claim attempts by result code",
		},
		[]string{"kind", "result"},
	)

	ClaimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_claim_duration_seconds",
			Help:    "Duration of guarded claim attempts",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_gateway_connections",
			Help: "Open realtime connections on this instance",
		},
	)

	GatewayHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gateway_handshakes_total",
			Help: "Realtime handshakes by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	GatewayEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_gateway_evictions_total",
			Help: "Connections evicted by the per-user cap",
		},
	)

	GatewaySubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gateway_subscriptions_total",
			Help: "Subscribe requests by outcome",
		},
		[]string{"outcome"},
	)

	GatewayBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_gateway_broadcasts_total",
			Help: "Broadcasts fanned out to local rooms",
		},
		[]string{"event"},
	)

	GatewayDroppedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_gateway_dropped_messages_total",
			Help: "Outbound messages dropped because a connection's buffer was full",
		},
	)

	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_security_events_total",
			Help: "Security events recorded by type",
		},
		[]string{"type"},
	)

	AuditWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_audit_write_errors_total",
			Help: "Security events that failed to persist",
		},
	)
)
