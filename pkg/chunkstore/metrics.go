package chunkstore

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chunksStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "chunks_stored_total",
		Help:      "Total number of chunks written to the staging area",
	})

	chunkBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "chunk_bytes_total",
		Help:      "Total bytes of chunk data written",
	})

	storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "errors_total",
		Help:      "Chunk store failures by operation and code",
	}, []string{"op", "code"})

	combinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "combines_total",
		Help:      "Combine calls by result",
	}, []string{"result"}) // result: "assembled", "already_assembled", "failed"

	combineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "combine_duration_seconds",
		Help:      "Time spent assembling uploads",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	sweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "sweep_runs_total",
		Help:      "Total number of stale upload sweeps",
	})

	sweepRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "chunkstore",
		Name:      "sweep_uploads_removed_total",
		Help:      "Upload directories removed by the sweeper",
	})
)

func init() {
	debug.Registry().MustRegister(
		chunksStoredTotal,
		chunkBytesTotal,
		storeErrorsTotal,
		combinesTotal,
		combineDuration,
		sweepRunsTotal,
		sweepRemovedTotal,
	)
}

func observeError(op string, err error) {
	if err == nil {
		return
	}
	storeErrorsTotal.WithLabelValues(op, CodeOf(err).String()).Inc()
}
