package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/example/sync-document-engine/ws")

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Time spent authenticating and upgrading a client.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})
	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Open client connections per document.",
	}, []string{"document"})
	gatewaySendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Frames waiting to be written, per document.",
	}, []string{"document"})
	gatewayFramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_received_total",
		Help:      "Decoded client frames, by envelope kind.",
	}, []string{"kind"})
	gatewayFramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_rejected_total",
		Help:      "Client frames that could not be decoded or dispatched.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(
		gatewayUpgradeLatency,
		gatewayConnections,
		gatewaySendQueueDepth,
		gatewayFramesReceived,
		gatewayFramesRejected,
	)
}
