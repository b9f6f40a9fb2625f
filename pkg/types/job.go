// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// JobOutputs names the files a completed job produced in the output store.
type JobOutputs struct {
	TextFile    string `json:"text"`
	CaptionFile string `json:"captions"`
}

// TranscriptionJob is one run of the pipeline for one assembled upload.
type TranscriptionJob struct {
	JobID     string      `json:"jobId"`
	FileName  string      `json:"fileName"`
	Status    JobStatus   `json:"status"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message"`
	Segments  int         `json:"segments,omitempty"`
	Failed    int         `json:"failedSegments,omitempty"`
	StartedAt time.Time   `json:"startedAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Outputs   *JobOutputs `json:"outputs,omitempty"`
}
