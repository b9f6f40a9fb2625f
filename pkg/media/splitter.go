// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

const (
	// DefaultSplitThreshold keeps each upload to the STT service under its 25MB request cap.
	DefaultSplitThreshold int64 = 24 << 20
	DefaultSegmentSeconds       = 600
	segmentPattern              = "segment-%05d.mp3"
)

// Splitter cuts large audio files into consecutive, non-overlapping segments.
type Splitter struct {
	Runner     Runner
	FFmpegPath string
	Prober     *Prober
	Threshold  int64
	Timeout    time.Duration
}

// NewSplitter returns a Splitter with defaults filled in.
func NewSplitter(r Runner, ffmpegPath string, prober *Prober, threshold int64) *Splitter {
	if r == nil {
		r = ExecRunner{}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if threshold <= 0 {
		threshold = DefaultSplitThreshold
	}
	return &Splitter{
		Runner:     r,
		FFmpegPath: ffmpegPath,
		Prober:     prober,
		Threshold:  threshold,
		Timeout:    DefaultTranscodeTimeout,
	}
}

// Split returns the segments of audioPath in temporal order. Files at or
// below the threshold come back as one segment pointing at audioPath itself.
// Larger files are cut every segmentSeconds into outDir/segment-NNNNN.mp3.
func (s *Splitter) Split(ctx context.Context, audioPath string, segmentSeconds int, outDir string) ([]types.AudioSegment, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("split %s: %w", filepath.Base(audioPath), ErrEmptyOutput)
	}
	if segmentSeconds <= 0 {
		segmentSeconds = DefaultSegmentSeconds
	}

	if info.Size() <= s.Threshold {
		seg := types.AudioSegment{Index: 0, Path: audioPath}
		seg.DurationSeconds = s.duration(ctx, audioPath)
		segmentsProduced.Observe(1)
		return []types.AudioSegment{seg}, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	work, err := os.MkdirTemp(outDir, ".split-*")
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	defer os.RemoveAll(work)

	_, err = run(ctx, s.Runner, s.Timeout, s.FFmpegPath,
		"-hide_banner", "-nostdin", "-y",
		"-i", audioPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-reset_timestamps", "1",
		"-c", "copy",
		filepath.Join(work, segmentPattern),
	)
	if err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(work, "segment-*.mp3"))
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	// zero padded names sort into temporal order
	sort.Strings(paths)

	segments := make([]types.AudioSegment, 0, len(paths))
	start := 0.0
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || fi.Size() == 0 {
			continue
		}
		final := filepath.Join(outDir, filepath.Base(p))
		if err := os.Rename(p, final); err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
		d := s.duration(ctx, final)
		if d == 0 {
			d = float64(segmentSeconds)
		}
		segments = append(segments, types.AudioSegment{
			Index:           len(segments),
			Path:            final,
			StartSeconds:    start,
			DurationSeconds: d,
		})
		start += d
	}
	if len(segments) == 0 {
		return nil, errors.New("split: ffmpeg produced no segments")
	}

	segmentsProduced.Observe(float64(len(segments)))
	logger.Ctx(ctx).Info().
		Str("input", audioPath).
		Int64("size", info.Size()).
		Int("segments", len(segments)).
		Int("segment_seconds", segmentSeconds).
		Msg("media: split audio")
	return segments, nil
}

// duration probes path, returning 0 when no prober is set or probing fails.
func (s *Splitter) duration(ctx context.Context, path string) float64 {
	if s.Prober == nil {
		return 0
	}
	d, err := s.Prober.Duration(ctx, path)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Str("path", path).Msg("media: duration probe failed")
		return 0
	}
	return d
}
