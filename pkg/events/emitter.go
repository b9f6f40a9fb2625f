// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/google/uuid"
)

// Emitter queues job events for async delivery via the taskqueue.
type Emitter struct {
	queue   taskqueue.Queue
	enabled bool
	filter  []string

	// monotonic counter for event ordering
	sequencer atomic.Uint64
}

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Queue persists events. If nil, events are dropped.
	Queue taskqueue.Queue

	// Enabled controls whether events are queued.
	Enabled bool

	// Events limits which event names are queued. Empty means all.
	Events []string
}

// NewEmitter creates an event emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	return &Emitter{
		queue:   cfg.Queue,
		enabled: cfg.Enabled && cfg.Queue != nil,
		filter:  cfg.Events,
	}
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return &Emitter{enabled: false}
}

// Emit queues an event describing job. Errors are logged, never returned,
// so the pipeline is not held up by notification trouble.
func (e *Emitter) Emit(ctx context.Context, eventType EventType, job types.TranscriptionJob) {
	if e == nil || !e.enabled || !MatchesAny(e.filter, string(eventType)) {
		EventsDroppedTotal.Inc()
		return
	}

	event := NewJobEvent(eventType, job)
	event.Sequencer = e.nextSequencer()

	data, err := taskqueue.MarshalPayload(event)
	if err != nil {
		EventsErrorsTotal.WithLabelValues("marshal").Inc()
		logger.Warn().Err(err).Str("event", event.EventName).Str("job_id", job.JobID).Msg("failed to marshal job event")
		return
	}

	task := &taskqueue.Task{
		ID:         uuid.New().String(),
		Type:       taskqueue.TaskTypeJobEvent,
		Status:     taskqueue.StatusPending,
		Priority:   taskqueue.PriorityNormal,
		Payload:    data,
		MaxRetries: taskqueue.DefaultMaxRetries,
	}
	if eventType == EventJobProgress {
		task.Priority = taskqueue.PriorityLow
	}

	if err := e.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		EventsErrorsTotal.WithLabelValues("enqueue").Inc()
		logger.Warn().
			Err(err).
			Str("event", event.EventName).
			Str("job_id", job.JobID).
			Msg("failed to queue job event")
		return
	}

	EventsEmittedTotal.WithLabelValues(event.EventName).Inc()
	logger.Debug().
		Str("event", event.EventName).
		Str("job_id", job.JobID).
		Str("task_id", task.ID).
		Msg("queued job event")
}

// IsEnabled returns whether the emitter is enabled.
func (e *Emitter) IsEnabled() bool {
	return e != nil && e.enabled
}

// nextSequencer generates a unique, monotonically increasing value:
// hex(timestamp_ms) + hex(counter) + random suffix.
func (e *Emitter) nextSequencer() string {
	ts := time.Now().UnixMilli()
	seq := e.sequencer.Add(1)

	suffix := make([]byte, 4)
	rand.Read(suffix)

	return hex.EncodeToString([]byte{
		byte(ts >> 40), byte(ts >> 32), byte(ts >> 24), byte(ts >> 16),
		byte(ts >> 8), byte(ts),
		byte(seq >> 8), byte(seq),
	}) + hex.EncodeToString(suffix)
}
