// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner records invocations and delegates to fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(ctx context.Context, name string, args []string) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.fn == nil {
		return Result{}, nil
	}
	return f.fn(ctx, name, args)
}

func writeInput(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp %s", e.Name())
	}
}

// =============================================================================
// Transcoder
// =============================================================================

func TestExtractAudio(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir, "lecture.mp4", 128)
	outDir := filepath.Join(dir, "work")

	r := &fakeRunner{fn: func(ctx context.Context, name string, args []string) (Result, error) {
		return Result{}, os.WriteFile(args[len(args)-1], []byte("ID3 audio"), 0o644)
	}}
	tc := NewTranscoder(r, "", 0)

	out, err := tc.ExtractAudio(context.Background(), input, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "lecture.mp3"), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio", string(data))
	assertNoTemps(t, outDir)

	require.Len(t, r.calls, 1)
	cmd := strings.Join(r.calls[0], " ")
	assert.True(t, strings.HasPrefix(cmd, "ffmpeg "))
	for _, want := range []string{"-i " + input, "-vn", "-ac 1", "-ar 16000", "-b:a 32k", "-f mp3"} {
		assert.Contains(t, cmd, want)
	}
}

func TestExtractAudio_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fn      func(ctx context.Context, name string, args []string) (Result, error)
		timeout time.Duration
		check   func(t *testing.T, err error)
	}{
		{
			name: "tool error keeps stderr",
			fn: func(ctx context.Context, name string, args []string) (Result, error) {
				os.WriteFile(args[len(args)-1], []byte("partial"), 0o644)
				return Result{ExitCode: 1, Stderr: []byte("frame=1\nInvalid data found when processing input\n")}, errors.New("exit status 1")
			},
			check: func(t *testing.T, err error) {
				var te *ToolError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, 1, te.ExitCode)
				assert.Equal(t, "ffmpeg", te.Tool)
				assert.Contains(t, te.Error(), "Invalid data found when processing input")
			},
		},
		{
			name: "empty output",
			fn: func(ctx context.Context, name string, args []string) (Result, error) {
				return Result{}, nil
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyOutput)
			},
		},
		{
			name:    "timeout",
			timeout: 20 * time.Millisecond,
			fn: func(ctx context.Context, name string, args []string) (Result, error) {
				<-ctx.Done()
				return Result{ExitCode: -1}, ctx.Err()
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			input := writeInput(t, dir, "clip.mov", 64)
			outDir := filepath.Join(dir, "out")

			tc := NewTranscoder(&fakeRunner{fn: tt.fn}, "ffmpeg", tt.timeout)
			_, err := tc.ExtractAudio(context.Background(), input, outDir)
			require.Error(t, err)
			tt.check(t, err)

			_, statErr := os.Stat(AudioPath(input, outDir))
			assert.True(t, os.IsNotExist(statErr), "no output under the final name")
			assertNoTemps(t, outDir)
		})
	}
}

func TestExtractAudio_CallerCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir, "clip.mov", 64)

	ctx, cancel := context.WithCancel(context.Background())
	tc := NewTranscoder(&fakeRunner{fn: func(ctx context.Context, name string, args []string) (Result, error) {
		cancel()
		return Result{}, errors.New("signal: killed")
	}}, "", time.Minute)

	_, err := tc.ExtractAudio(ctx, input, dir)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExtractAudio_MissingInput(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	tc := NewTranscoder(r, "", 0)
	_, err := tc.ExtractAudio(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), t.TempDir())
	require.Error(t, err)
	assert.Empty(t, r.calls, "ffmpeg is not started for a missing input")
}

// =============================================================================
// Prober
// =============================================================================

func TestProber_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdout  string
		want    float64
		wantErr bool
	}{
		{"plain", "12.480000\n", 12.48, false},
		{"na", "N/A\n", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewProber(&fakeRunner{fn: func(ctx context.Context, name string, args []string) (Result, error) {
				return Result{Stdout: []byte(tt.stdout)}, nil
			}}, "")
			d, err := p.Duration(context.Background(), "a.mp3")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, d, 1e-9)
		})
	}
}

// =============================================================================
// Splitter
// =============================================================================

func segmentingRunner(segments int, durations map[string]string) *fakeRunner {
	return &fakeRunner{fn: func(ctx context.Context, name string, args []string) (Result, error) {
		if name == "ffprobe" {
			base := filepath.Base(args[len(args)-1])
			return Result{Stdout: []byte(durations[base] + "\n")}, nil
		}
		pattern := args[len(args)-1]
		// written out of order on purpose
		for i := segments - 1; i >= 0; i-- {
			if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte(fmt.Sprintf("seg%d", i)), 0o644); err != nil {
				return Result{}, err
			}
		}
		return Result{}, nil
	}}
}

func TestSplit_BelowThreshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	audio := writeInput(t, dir, "talk.mp3", 100)
	r := segmentingRunner(0, map[string]string{"talk.mp3": "42.5"})

	s := NewSplitter(r, "", NewProber(r, ""), 100)
	segs, err := s.Split(context.Background(), audio, 60, filepath.Join(dir, "segments"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, audio, segs[0].Path)
	assert.Equal(t, 0, segs[0].Index)
	assert.InDelta(t, 42.5, segs[0].DurationSeconds, 1e-9)

	for _, c := range r.calls {
		assert.Equal(t, "ffprobe", c[0], "ffmpeg must not run below the threshold")
	}
}

func TestSplit_AboveThreshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	audio := writeInput(t, dir, "talk.mp3", 101)
	outDir := filepath.Join(dir, "segments")
	r := segmentingRunner(12, map[string]string{
		"segment-00000.mp3": "60.0",
		"segment-00001.mp3": "60.0",
		"segment-00011.mp3": "12.5",
	})

	s := NewSplitter(r, "", NewProber(r, ""), 100)
	segs, err := s.Split(context.Background(), audio, 60, outDir)
	require.NoError(t, err)
	require.Len(t, segs, 12)

	for i, seg := range segs {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, filepath.Join(outDir, fmt.Sprintf("segment-%05d.mp3", i)), seg.Path)
		data, err := os.ReadFile(seg.Path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("seg%d", i), string(data))
		if i > 0 {
			prev := segs[i-1]
			assert.InDelta(t, prev.StartSeconds+prev.DurationSeconds, seg.StartSeconds, 1e-9, "segments are contiguous")
		}
	}
	assert.InDelta(t, 12.5, segs[11].DurationSeconds, 1e-9)
	assertNoTemps(t, outDir)

	split := strings.Join(r.calls[0], " ")
	for _, want := range []string{"-f segment", "-segment_time 60", "-reset_timestamps 1", "-c copy"} {
		assert.Contains(t, split, want)
	}
}

func TestSplit_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	empty := writeInput(t, dir, "empty.mp3", 0)
	big := writeInput(t, dir, "big.mp3", 500)

	s := NewSplitter(segmentingRunner(0, nil), "", nil, 100)

	_, err := s.Split(context.Background(), empty, 60, dir)
	assert.ErrorIs(t, err, ErrEmptyOutput)

	_, err = s.Split(context.Background(), filepath.Join(dir, "missing.mp3"), 60, dir)
	assert.Error(t, err)

	_, err = s.Split(context.Background(), big, 60, filepath.Join(dir, "out"))
	assert.ErrorContains(t, err, "no segments")
}

// =============================================================================
// ExecRunner
// =============================================================================

func TestExecRunner(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	res, err := run(context.Background(), ExecRunner{}, time.Second, "/bin/sh", "-c", "echo out; echo oops >&2; exit 3")
	require.Error(t, err)
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.ExitCode)
	assert.Equal(t, "oops", strings.TrimSpace(te.Stderr))
	assert.Equal(t, "out\n", string(res.Stdout))

	_, err = run(context.Background(), ExecRunner{}, 50*time.Millisecond, "/bin/sh", "-c", "exec sleep 5")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{limit: 8}
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", string(b.Bytes()))
	b.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", string(b.Bytes()))
	b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", string(b.Bytes()))
}
