package jobs

import (
	"github.com/LeeDigitalWorks/zapscribe/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Transcription jobs started",
	})

	jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapscribe",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Transcription jobs finished by final status",
	}, []string{"status"})

	jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapscribe",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Transcription jobs currently processing",
	})
)

func init() {
	debug.Registry().MustRegister(jobsStartedTotal, jobsFinishedTotal, jobsActive)
}
