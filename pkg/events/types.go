// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"

	// EventJobAll matches every job event.
	EventJobAll EventType = "job.*"
)

// JobEvent is the message delivered to publishers.
type JobEvent struct {
	EventName string            `json:"eventName"`
	EventTime time.Time         `json:"eventTime"`
	Sequencer string            `json:"sequencer"`
	Source    string            `json:"source"`
	Job       JobEventJob       `json:"job"`
	Outputs   *types.JobOutputs `json:"outputs,omitempty"`
}

// JobEventJob is the job snapshot carried by a JobEvent.
type JobEventJob struct {
	JobID          string          `json:"jobId"`
	FileName       string          `json:"fileName"`
	Status         types.JobStatus `json:"status"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message"`
	Segments       int             `json:"segments,omitempty"`
	FailedSegments int             `json:"failedSegments,omitempty"`
}

// NewJobEvent builds an event from a job snapshot.
func NewJobEvent(eventType EventType, job types.TranscriptionJob) *JobEvent {
	return &JobEvent{
		EventName: string(eventType),
		EventTime: time.Now().UTC(),
		Source:    "zapscribe",
		Job: JobEventJob{
			JobID:          job.JobID,
			FileName:       job.FileName,
			Status:         job.Status,
			Progress:       job.Progress,
			Message:        job.Message,
			Segments:       job.Segments,
			FailedSegments: job.Failed,
		},
		Outputs: job.Outputs,
	}
}

// MatchesEventType checks if an event name matches an event type pattern.
// A trailing "*" matches any suffix, so "job.*" matches "job.completed".
func MatchesEventType(pattern EventType, eventName string) bool {
	p := string(pattern)
	if p == eventName {
		return true
	}
	if prefix, ok := strings.CutSuffix(p, "*"); ok {
		return strings.HasPrefix(eventName, prefix)
	}
	return false
}

// MatchesAny reports whether eventName matches one of patterns. An empty
// pattern list matches everything.
func MatchesAny(patterns []string, eventName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchesEventType(EventType(p), eventName) {
			return true
		}
	}
	return false
}
