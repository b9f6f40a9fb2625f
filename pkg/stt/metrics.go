package stt

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "stt",
		Name:      "requests_total",
		Help:      "Transcription requests by provider and result",
	}, []string{"provider", "result"}) // result: "ok", "failed", "exhausted", "cancelled", "rejected"

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "stt",
		Name:      "retries_total",
		Help:      "Transcription retries after transient failures",
	}, []string{"provider"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "stt",
		Name:      "request_duration_seconds",
		Help:      "Latency of single transcription attempts",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"provider"})

	limiterWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "stt",
		Name:      "ratelimit_waits_total",
		Help:      "Times a transcription waited on the shared rate limit",
	})
)

func init() {
	debug.Registry().MustRegister(
		requestsTotal,
		retriesTotal,
		requestDuration,
		limiterWaitsTotal,
	)
}
