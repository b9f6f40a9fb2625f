package api

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapscribe",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"route"})

	panicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "http",
		Name:      "panics_total",
		Help:      "Handler panics recovered",
	})

	cleanupQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "http",
		Name:      "cleanup_queued_total",
		Help:      "cancel-upload requests whose cleanup was deferred to the task queue",
	})
)

func init() {
	debug.Registry().MustRegister(requestsTotal, requestDuration, panicsTotal, cleanupQueuedTotal)
}
