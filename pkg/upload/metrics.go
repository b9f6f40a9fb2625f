package upload

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "upload",
		Name:      "chunks_total",
		Help:      "Chunk upload attempts by result",
	}, []string{"result"})

	chunkRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "upload",
		Name:      "chunk_retries_total",
		Help:      "Chunk uploads retried after a transient failure",
	})

	bytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "upload",
		Name:      "bytes_sent_total",
		Help:      "Chunk bytes confirmed by the server",
	})

	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "upload",
		Name:      "sessions_total",
		Help:      "Upload runs by outcome",
	}, []string{"outcome"})
)

func init() {
	debug.Registry().MustRegister(chunksTotal, chunkRetriesTotal, bytesSentTotal, sessionsTotal)
}
