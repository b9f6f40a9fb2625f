package media

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "media",
		Name:      "tool_runs_total",
		Help:      "ffmpeg/ffprobe invocations by result",
	}, []string{"tool", "result"}) // result: "ok", "error", "timeout", "cancelled"

	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "media",
		Name:      "tool_duration_seconds",
		Help:      "Wall time of ffmpeg/ffprobe invocations",
		Buckets:   prometheus.ExponentialBuckets(0.05, 3, 10),
	}, []string{"tool"})

	segmentsProduced = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "media",
		Name:      "segments_per_file",
		Help:      "Number of segments an audio file was split into",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
	})
)

func init() {
	debug.Registry().MustRegister(
		toolRunsTotal,
		toolDuration,
		segmentsProduced,
	)
}
