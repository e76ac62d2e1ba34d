package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/example/sync-document-engine/playback")

var (
	playbackLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "rebuild_seconds",
		Help:      "Time to rebuild a document, by where the replay started.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_lookups_total",
		Help:      "Playback state cache lookups, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(playbackLatency, cacheLookups)
}
