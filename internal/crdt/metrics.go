package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_wal_seconds",
		Help:      "Time spent folding WAL records and relayed changes into documents.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	mutationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "mutation_seconds",
		Help:      "Time spent running local change sets.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"document"})

	opsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "ops_emitted_total",
		Help:      "Operations recorded by committed local change sets.",
	}, []string{"document"})

	mutationsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "mutations_rejected_total",
		Help:      "Local change sets discarded because a mutation failed.",
	}, []string{"document"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of documents loaded in memory.",
	})
)

func init() {
	prometheus.MustRegister(applyLatency, mutationLatency, opsEmitted, mutationsRejected, documentCount)
}
