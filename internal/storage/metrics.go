package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var walTracer = otel.Tracer("github.com/example/sync-document-engine/wal")

var latencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 12)

var (
	walAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "append_seconds",
		Help:      "Time to durably append one change, retries included.",
		Buckets:   latencyBuckets,
	}, []string{"document"})
	walReplayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "replay_seconds",
		Help:      "Time to replay one batch of WAL records.",
		Buckets:   latencyBuckets,
	}, []string{"document"})
	walBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wal",
		Name:      "backlog_entries",
		Help:      "Changes written after the last checkpoint.",
	}, []string{"document"})
	walRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wal",
		Name:      "retries_total",
		Help:      "Transient Postgres failures that were retried, by operation.",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(walAppendLatency, walReplayLatency, walBacklog, walRetries)
}
