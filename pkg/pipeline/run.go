// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/events"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/stt"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"
)

// run holds the state of one pipeline execution.
type run struct {
	o        *Orchestrator
	jobID    string
	fileName string
	workDir  string
}

// Run executes the pipeline for a job that is already processing. It always
// leaves the job in a terminal state and never panics; the returned error is
// informational.
func (o *Orchestrator) Run(ctx context.Context, jobID, fileName string) (err error) {
	r := &run{
		o:        o,
		jobID:    jobID,
		fileName: fileName,
		workDir:  filepath.Join(o.cfg.WorkDir, jobID),
	}
	l := logger.Ctx(ctx).With().Str("job_id", jobID).Logger()
	ctx = logger.WithLogger(ctx, &l)

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			sentry.CurrentHub().Recover(rec)
			logger.Ctx(ctx).Error().Interface("panic", rec).Msg("pipeline: panic in job")
			err = fmt.Errorf("pipeline: panic: %v", rec)
			r.fail(ctx, "Internal error while processing")
		}
		if !o.cfg.KeepWorkDir {
			os.RemoveAll(r.workDir)
		}
		status := "completed"
		if err != nil {
			status = "error"
		}
		runsTotal.WithLabelValues(status).Inc()
		runDuration.Observe(time.Since(start).Seconds())
	}()

	failed, total, err := r.execute(ctx)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "Cancelled"
		}
		r.fail(ctx, msg)
		return err
	}

	outputs := types.JobOutputs{TextFile: TextFileName(jobID), CaptionFile: CaptionFileName(jobID)}
	message := "Completed"
	if failed > 0 {
		message = fmt.Sprintf("Completed with %d of %d segments failed", failed, total)
	}
	job, cerr := o.Jobs.Complete(jobID, outputs, failed, message)
	if cerr != nil {
		return cerr
	}
	logger.Ctx(ctx).Info().
		Int("segments", total).
		Int("failed_segments", failed).
		Dur("took", time.Since(start)).
		Msg("pipeline: job completed")
	o.Events.Emit(ctx, events.EventJobCompleted, job)
	return nil
}

func (r *run) execute(ctx context.Context) (failed, total int, err error) {
	o := r.o

	// locate
	media, err := stage(ctx, "locate", func() (types.AssembledMedia, error) {
		return o.Locator.FindAssembled(r.jobID, r.fileName)
	})
	if err != nil {
		return 0, 0, &stageFailure{"Media not found", err}
	}
	r.progress(ctx, progressLocated, "Extracting audio", true)

	// extract
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return 0, 0, &stageFailure{"Preparing work directory failed", err}
	}
	audio, err := stage(ctx, "extract", func() (string, error) {
		return o.Extractor.ExtractAudio(ctx, media.Path, r.workDir)
	})
	if err != nil {
		return 0, 0, &stageFailure{"Audio extraction failed", err}
	}
	r.progress(ctx, progressExtracted, "Splitting audio", true)

	// split
	segments, err := stage(ctx, "split", func() ([]types.AudioSegment, error) {
		return o.Splitter.Split(ctx, audio, o.cfg.SegmentSeconds, filepath.Join(r.workDir, "segments"))
	})
	if err != nil {
		return 0, 0, &stageFailure{"Audio splitting failed", err}
	}
	total = len(segments)
	if total == 0 {
		return 0, 0, &stageFailure{"Audio splitting produced no segments", nil}
	}
	o.Jobs.SetSegments(r.jobID, total)
	r.progress(ctx, progressSplit, fmt.Sprintf("Transcribing %d segments", total), true)

	// transcribe
	results, err := stage(ctx, "transcribe", func() ([]types.SegmentTranscript, error) {
		return r.transcribe(ctx, segments)
	})
	if err != nil {
		return 0, total, &stageFailure{"Transcription interrupted", err}
	}
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed == total {
		return failed, total, &stageFailure{fmt.Sprintf("Transcription failed for all %d segments", total), results[total-1].Err}
	}
	r.progress(ctx, progressTranscribed, "Merging transcript", true)

	// merge
	_, err = stage(ctx, "merge", func() (struct{}, error) {
		return struct{}{}, r.publish(ctx, segments, results)
	})
	if err != nil {
		return failed, total, &stageFailure{"Saving results failed", err}
	}
	return failed, total, nil
}

// transcribe resolves every segment, BatchSize at a time with BatchPause
// between batches. Segment failures become placeholders; only cancellation
// aborts.
func (r *run) transcribe(ctx context.Context, segments []types.AudioSegment) ([]types.SegmentTranscript, error) {
	o := r.o
	results := make([]types.SegmentTranscript, len(segments))

	var (
		mu   sync.Mutex
		done int
	)
	resolved := func() {
		mu.Lock()
		done++
		p := progressSplit + (progressTranscribed-progressSplit)*done/len(segments)
		msg := fmt.Sprintf("Transcribed %d of %d segments", done, len(segments))
		mu.Unlock()
		r.progress(ctx, p, msg, false)
	}

	for start := 0; start < len(segments); start += o.cfg.BatchSize {
		if start > 0 && o.cfg.BatchPause > 0 {
			if err := o.sleep(ctx, o.cfg.BatchPause); err != nil {
				return nil, err
			}
		}
		end := min(start+o.cfg.BatchSize, len(segments))

		var g errgroup.Group
		for i := start; i < end; i++ {
			seg := segments[i]
			g.Go(func() error {
				defer func() {
					if rec := recover(); rec != nil {
						sentry.CurrentHub().Recover(rec)
						err := fmt.Errorf("panic: %v", rec)
						segmentsTotal.WithLabelValues("failed").Inc()
						logger.Ctx(ctx).Error().Interface("panic", rec).Int("segment", seg.Index).Msg("pipeline: panic in segment transcription")
						results[i] = types.SegmentTranscript{Index: seg.Index, Text: stt.Placeholder(seg.Index, err), Err: err}
						resolved()
					}
				}()
				text, err := o.Transcriber.Transcribe(ctx, seg.Path)
				if err != nil {
					segmentsTotal.WithLabelValues("failed").Inc()
					logger.Ctx(ctx).Warn().Err(err).Int("segment", seg.Index).Msg("pipeline: segment transcription failed")
					results[i] = types.SegmentTranscript{Index: seg.Index, Text: stt.Placeholder(seg.Index, err), Err: err}
				} else {
					segmentsTotal.WithLabelValues("ok").Inc()
					results[i] = types.SegmentTranscript{Index: seg.Index, Text: text}
				}
				resolved()
				return nil
			})
		}
		g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// publish writes the transcript and caption files to the output store.
func (r *run) publish(ctx context.Context, segments []types.AudioSegment, results []types.SegmentTranscript) error {
	text := MergeTranscript(results, DefaultSeparator)
	if err := r.write(ctx, TextFileName(r.jobID), []byte(text)); err != nil {
		return err
	}

	var srt bytes.Buffer
	if err := WriteSRT(&srt, segments, results); err != nil {
		return err
	}
	return r.write(ctx, CaptionFileName(r.jobID), srt.Bytes())
}

func (r *run) write(ctx context.Context, key string, data []byte) error {
	if err := r.o.Outputs.Write(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (r *run) progress(ctx context.Context, p int, message string, boundary bool) {
	job, changed := r.o.Jobs.Progress(r.jobID, p, message)
	if changed && boundary {
		logger.Ctx(ctx).Debug().Int("progress", p).Str("message", message).Msg("pipeline: stage done")
		r.o.Events.Emit(ctx, events.EventJobProgress, job)
	}
}

func (r *run) fail(ctx context.Context, message string) {
	job, err := r.o.Jobs.Fail(r.jobID, message)
	if err != nil {
		return
	}
	logger.Ctx(ctx).Warn().Str("message", message).Int("progress", job.Progress).Msg("pipeline: job failed")
	r.o.Events.Emit(ctx, events.EventJobFailed, job)
}

// stageFailure is the reason a run ended in error. Its text becomes the job message.
type stageFailure struct {
	message string
	err     error
}

func (f *stageFailure) Error() string {
	if f.err == nil {
		return f.message
	}
	return f.message + ": " + f.err.Error()
}

func (f *stageFailure) Unwrap() error { return f.err }

// stage times fn under the stage label.
func stage[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	stageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		stageErrorsTotal.WithLabelValues(name).Inc()
		logger.Ctx(ctx).Debug().Err(err).Str("stage", name).Msg("pipeline: stage failed")
	}
	return v, err
}

// MergeTranscript joins segment texts in index order, one entry per segment.
// Failed segments contribute their placeholder and silent segments an empty
// entry, so the n-th entry always belongs to segment n.
func MergeTranscript(results []types.SegmentTranscript, sep string) string {
	sorted := make([]types.SegmentTranscript, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	parts := make([]string, 0, len(sorted))
	for _, res := range sorted {
		parts = append(parts, strings.TrimSpace(res.Text))
	}
	return strings.Join(parts, sep)
}

// TextFileName is the output key of a job's transcript.
func TextFileName(jobID string) string { return jobID + ".txt" }

// CaptionFileName is the output key of a job's captions.
func CaptionFileName(jobID string) string { return jobID + ".srt" }
