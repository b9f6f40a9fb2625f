package pipeline

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by final status",
	}, []string{"status"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Wall time of pipeline runs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"}) // stage: "locate", "extract", "split", "transcribe", "merge"

	stageErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "pipeline",
		Name:      "stage_errors_total",
		Help:      "Pipeline stage failures",
	}, []string{"stage"})

	segmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "pipeline",
		Name:      "segments_total",
		Help:      "Transcribed segments by result",
	}, []string{"result"})
)

func init() {
	debug.Registry().MustRegister(runsTotal, runDuration, stageDuration, stageErrorsTotal, segmentsTotal)
}
