// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobs tracks transcription jobs. There is at most one job per upload
// and its id is the upload id.
package jobs

import (
	"errors"
	"sort"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

var (
	ErrAlreadyProcessing = errors.New("jobs: already processing")
	ErrNotFound          = errors.New("jobs: not found")
	ErrNotTerminal       = errors.New("jobs: job is still processing")
)

// Table is the in-memory job table. Terminal snapshots are mirrored to an
// optional History so /status keeps answering after a restart.
type Table struct {
	jobs    *utils.ShardedMap[types.TranscriptionJob]
	history History

	// now is swapped in tests
	now func() time.Time
}

// NewTable creates a table. history may be nil.
func NewTable(history History) *Table {
	return &Table{
		jobs:    utils.NewShardedMap[types.TranscriptionJob](),
		history: history,
		now:     time.Now,
	}
}

// Start registers a new processing job. If one is already processing for
// jobID it returns ErrAlreadyProcessing and the running job. Terminal jobs
// are replaced.
func (t *Table) Start(jobID, fileName string) (types.TranscriptionJob, error) {
	var (
		existing types.TranscriptionJob
		busy     bool
	)
	now := t.now().UTC()
	job := t.jobs.Compute(jobID, func(old types.TranscriptionJob, loaded bool) (types.TranscriptionJob, bool) {
		if loaded && old.Status == types.JobProcessing {
			existing, busy = old, true
			return old, true
		}
		return types.TranscriptionJob{
			JobID:     jobID,
			FileName:  fileName,
			Status:    types.JobProcessing,
			Message:   "Starting",
			StartedAt: now,
			UpdatedAt: now,
		}, true
	})
	if busy {
		return existing, ErrAlreadyProcessing
	}
	jobsStartedTotal.Inc()
	jobsActive.Inc()
	return job, nil
}

// Progress raises the job's progress. Lower values are ignored so progress
// never moves backwards. It reports whether the job changed.
func (t *Table) Progress(jobID string, progress int, message string) (types.TranscriptionJob, bool) {
	progress = min(max(progress, 0), 100)
	changed := false
	job := t.jobs.Compute(jobID, func(old types.TranscriptionJob, loaded bool) (types.TranscriptionJob, bool) {
		if !loaded {
			return old, false
		}
		if old.Status != types.JobProcessing || progress < old.Progress {
			return old, true
		}
		if progress == old.Progress && (message == "" || message == old.Message) {
			return old, true
		}
		old.Progress = progress
		if message != "" {
			old.Message = message
		}
		old.UpdatedAt = t.now().UTC()
		changed = true
		return old, true
	})
	return job, changed
}

// SetSegments records how many segments the job transcribes.
func (t *Table) SetSegments(jobID string, segments int) {
	t.jobs.Compute(jobID, func(old types.TranscriptionJob, loaded bool) (types.TranscriptionJob, bool) {
		if !loaded {
			return old, false
		}
		if old.Status == types.JobProcessing {
			old.Segments = segments
		}
		return old, true
	})
}

// Complete marks the job completed at 100%.
func (t *Table) Complete(jobID string, outputs types.JobOutputs, failedSegments int, message string) (types.TranscriptionJob, error) {
	return t.finish(jobID, func(job *types.TranscriptionJob) {
		job.Status = types.JobCompleted
		job.Progress = 100
		job.Failed = failedSegments
		job.Message = message
		job.Outputs = &outputs
	})
}

// Fail marks the job as errored. Progress stays where it was.
func (t *Table) Fail(jobID string, message string) (types.TranscriptionJob, error) {
	return t.finish(jobID, func(job *types.TranscriptionJob) {
		job.Status = types.JobError
		job.Message = message
	})
}

func (t *Table) finish(jobID string, apply func(job *types.TranscriptionJob)) (types.TranscriptionJob, error) {
	found, terminal := false, false
	job := t.jobs.Compute(jobID, func(old types.TranscriptionJob, loaded bool) (types.TranscriptionJob, bool) {
		if !loaded {
			return old, false
		}
		found = true
		if old.Status.Terminal() {
			terminal = true
			return old, true
		}
		apply(&old)
		old.UpdatedAt = t.now().UTC()
		return old, true
	})
	if !found {
		return job, ErrNotFound
	}
	if terminal {
		return job, nil
	}

	jobsActive.Dec()
	jobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	if t.history != nil {
		if err := t.history.Put(job); err != nil {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: failed to persist job history")
		}
	}
	return job, nil
}

// Get returns the live job or, failing that, its last persisted snapshot.
func (t *Table) Get(jobID string) (types.TranscriptionJob, error) {
	if job, ok := t.jobs.Load(jobID); ok {
		return job, nil
	}
	if t.history == nil {
		return types.TranscriptionJob{}, ErrNotFound
	}
	return t.history.Get(jobID)
}

// Clear forgets a terminal job. Processing jobs cannot be cleared.
func (t *Table) Clear(jobID string) error {
	found, busy := false, false
	t.jobs.Compute(jobID, func(old types.TranscriptionJob, loaded bool) (types.TranscriptionJob, bool) {
		if !loaded {
			return old, false
		}
		found = true
		if old.Status == types.JobProcessing {
			busy = true
			return old, true
		}
		return old, false
	})
	if busy {
		return ErrNotTerminal
	}

	if t.history != nil {
		if !found {
			if _, err := t.history.Get(jobID); err != nil {
				return err
			}
		}
		if err := t.history.Delete(jobID); err != nil {
			return err
		}
		return nil
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// List returns live jobs, newest first.
func (t *Table) List() []types.TranscriptionJob {
	jobs := make([]types.TranscriptionJob, 0, t.jobs.Len())
	t.jobs.Range(func(_ string, job types.TranscriptionJob) bool {
		jobs = append(jobs, job)
		return true
	})
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// Active returns the number of processing jobs.
func (t *Table) Active() int {
	n := 0
	t.jobs.Range(func(_ string, job types.TranscriptionJob) bool {
		if job.Status == types.JobProcessing {
			n++
		}
		return true
	})
	return n
}
