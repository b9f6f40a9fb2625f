// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

const (
	DefaultTranscodeTimeout = 30 * time.Minute
	DefaultSampleRate       = 16000
	DefaultAudioBitrate     = "32k"
)

// Transcoder extracts a mono, low bitrate mp3 track from a media file.
type Transcoder struct {
	Runner     Runner
	FFmpegPath string
	Timeout    time.Duration
	SampleRate int
	Bitrate    string
}

// NewTranscoder returns a Transcoder with defaults filled in.
func NewTranscoder(r Runner, ffmpegPath string, timeout time.Duration) *Transcoder {
	if r == nil {
		r = ExecRunner{}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTranscodeTimeout
	}
	return &Transcoder{
		Runner:     r,
		FFmpegPath: ffmpegPath,
		Timeout:    timeout,
		SampleRate: DefaultSampleRate,
		Bitrate:    DefaultAudioBitrate,
	}
}

// AudioPath is the deterministic output name ExtractAudio uses for input.
func AudioPath(input, outDir string) string {
	return filepath.Join(outDir, utils.FileStem(input)+".mp3")
}

// ExtractAudio writes <outDir>/<stem>.mp3. Output goes to a private temp file
// that is renamed into place only after ffmpeg succeeded and wrote something,
// so a failed or killed run never leaves a partial file under the final name.
func (t *Transcoder) ExtractAudio(ctx context.Context, input, outDir string) (string, error) {
	if _, err := os.Stat(input); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}

	f, err := os.CreateTemp(outDir, ".extract-*.mp3")
	if err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	tmp := f.Name()
	f.Close()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp)
		}
	}()

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprint(t.SampleRate),
		"-b:a", t.Bitrate,
		"-f", "mp3",
		tmp,
	}

	start := time.Now()
	if _, err := run(ctx, t.Runner, t.Timeout, t.FFmpegPath, args...); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("input", input).Msg("media: audio extraction failed")
		return "", err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("extract audio from %s: %w", filepath.Base(input), ErrEmptyOutput)
	}

	out := AudioPath(input, outDir)
	if err := os.Rename(tmp, out); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	committed = true

	logger.Ctx(ctx).Info().
		Str("input", input).
		Str("output", out).
		Int64("size", info.Size()).
		Dur("took", time.Since(start)).
		Msg("media: extracted audio")
	return out, nil
}
