package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

// TranscribePayload is the task payload of a queued pipeline run.
type TranscribePayload struct {
	JobID     string    `json:"jobId"`
	FileName  string    `json:"fileName"`
	MediaPath string    `json:"mediaPath,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// NewTranscribeTask builds a high priority transcribe task. Pipeline runs
// are not retried by the queue; a failed run leaves the job in error.
func NewTranscribeTask(p TranscribePayload) (*taskqueue.Task, error) {
	task, err := taskqueue.NewTask(taskqueue.TaskTypeTranscribe, p)
	if err != nil {
		return nil, err
	}
	task.Priority = taskqueue.PriorityHigh
	task.MaxRetries = 0
	return task, nil
}

// TranscribeHandler runs queued pipeline tasks.
type TranscribeHandler struct {
	o *Orchestrator
}

// NewTranscribeHandler creates the handler for transcribe tasks.
func NewTranscribeHandler(o *Orchestrator) *TranscribeHandler {
	return &TranscribeHandler{o: o}
}

func (h *TranscribeHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeTranscribe
}

// Handle runs the pipeline for the task's job. A task whose job was
// restarted or finished in the meantime is stale and skipped. A job that is
// unknown to this process (for example after a restart with a durable queue)
// is started again.
func (h *TranscribeHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	p, err := taskqueue.UnmarshalPayload[TranscribePayload](task.Payload)
	if err != nil {
		return taskqueue.Permanent(fmt.Errorf("invalid transcribe payload: %w", err))
	}
	if !utils.ValidID(p.JobID) {
		return taskqueue.Permanent(fmt.Errorf("invalid job id %q", p.JobID))
	}

	job, err := h.o.Jobs.Get(p.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		job, err = h.o.Jobs.Start(p.JobID, p.FileName)
		if err != nil {
			return nil
		}
		logger.Ctx(ctx).Info().Str("job_id", p.JobID).Msg("pipeline: resuming queued job")
	case err != nil:
		return err
	case job.Status != types.JobProcessing || !job.StartedAt.Equal(p.StartedAt):
		logger.Ctx(ctx).Debug().
			Str("job_id", p.JobID).
			Str("status", string(job.Status)).
			Msg("pipeline: skipping stale transcribe task")
		return nil
	}

	h.o.Run(ctx, job.JobID, p.FileName)
	return nil
}
