// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs assembled uploads through audio extraction,
// segmentation and speech-to-text, and publishes the transcript and captions.
//
// Stage weights on the 0-100 progress scale:
//
//	locate      0-10
//	extract    10-30
//	split      30-45
//	transcribe 45-95  (linear in resolved segments)
//	merge      95-100
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/events"
	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/stt"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

const (
	DefaultBatchSize      = 2
	DefaultBatchPause     = 15 * time.Second
	DefaultSegmentSeconds = 600
	DefaultSeparator      = "\n\n"
)

// Progress boundaries of each stage.
const (
	progressLocated     = 10
	progressExtracted   = 30
	progressSplit       = 45
	progressTranscribed = 95
	progressDone        = 100
)

// MediaLocator finds the assembled file of an upload.
type MediaLocator interface {
	FindAssembled(uploadID, fileName string) (types.AssembledMedia, error)
}

// AudioExtractor produces a mono audio track from a media file.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, input, outDir string) (string, error)
}

// SegmentSplitter cuts audio into consecutive segments.
type SegmentSplitter interface {
	Split(ctx context.Context, audioPath string, segmentSeconds int, outDir string) ([]types.AudioSegment, error)
}

// Config tunes the orchestrator.
type Config struct {
	// WorkDir holds per-job scratch directories.
	WorkDir string `mapstructure:"work_dir"`

	SegmentSeconds int           `mapstructure:"segment_seconds"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`

	// KeepWorkDir leaves extracted audio and segments behind for debugging.
	KeepWorkDir bool `mapstructure:"keep_work_dir"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Jobs        *jobs.Table
	Locator     MediaLocator
	Extractor   AudioExtractor
	Splitter    SegmentSplitter
	Transcriber stt.Transcriber
	Outputs     types.BackendStorage
	Queue       taskqueue.Queue
	Events      *events.Emitter
}

// Orchestrator owns the transcription job lifecycle.
type Orchestrator struct {
	cfg Config
	Deps

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. Jobs, Locator, Extractor, Splitter,
// Transcriber, Outputs and Queue are required.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("pipeline: job table is required")
	case deps.Locator == nil:
		return nil, errors.New("pipeline: media locator is required")
	case deps.Extractor == nil || deps.Splitter == nil:
		return nil, errors.New("pipeline: media tools are required")
	case deps.Transcriber == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case deps.Outputs == nil:
		return nil, errors.New("pipeline: output storage is required")
	case deps.Queue == nil:
		return nil, errors.New("pipeline: task queue is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("pipeline: work dir is required")
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSegmentSeconds
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if deps.Events == nil {
		deps.Events = events.NoopEmitter()
	}
	return &Orchestrator{cfg: cfg, Deps: deps, sleep: utils.Sleep}, nil
}

// Submit starts a job for an assembled upload and queues its pipeline run.
// It fails with a chunkstore not-found error when nothing was assembled and
// with jobs.ErrAlreadyProcessing, plus the running job, on a duplicate.
func (o *Orchestrator) Submit(ctx context.Context, fileID, fileName string) (types.TranscriptionJob, error) {
	media, err := o.Locator.FindAssembled(fileID, fileName)
	if err != nil {
		return types.TranscriptionJob{}, err
	}

	job, err := o.Jobs.Start(fileID, fileName)
	if err != nil {
		return job, err
	}

	task, err := NewTranscribeTask(TranscribePayload{
		JobID:     fileID,
		FileName:  fileName,
		MediaPath: media.Path,
		StartedAt: job.StartedAt,
	})
	if err == nil {
		err = o.Queue.Enqueue(ctx, task)
	}
	if err != nil {
		failed, _ := o.Jobs.Fail(fileID, "Failed to queue transcription: "+err.Error())
		o.Events.Emit(ctx, events.EventJobFailed, failed)
		return failed, fmt.Errorf("pipeline: queue job %s: %w", fileID, err)
	}

	logger.Ctx(ctx).Info().
		Str("job_id", fileID).
		Str("file", fileName).
		Int64("size", media.Size).
		Str("task_id", task.ID).
		Msg("pipeline: job queued")
	o.Events.Emit(ctx, events.EventJobStarted, job)
	return job, nil
}
