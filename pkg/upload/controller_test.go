// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/api"
	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeAPI is an in-memory server. Hooks run inside UploadChunk.
type fakeAPI struct {
	mu       sync.Mutex
	existing []int
	chunks   map[int][]byte
	attempts map[int]int
	combines int
	cancels  int

	// fail returns an error for the given chunk attempt (1-based), or nil.
	fail func(n, attempt int) error
	// before runs before the body is read; it may block on ctx.
	before func(ctx context.Context, n int) error
	// after runs once a chunk has been stored.
	after func(n int)

	combineErr error
	// checkErr fails the next check-chunks call.
	checkErr error
	checks   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{chunks: map[int][]byte{}, attempts: map[int]int{}}
}

func (f *fakeAPI) CheckChunks(_ context.Context, _ string, _ int, _ int64) (chunkstore.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		err := f.checkErr
		f.checkErr = nil
		return chunkstore.CheckResult{}, err
	}
	for _, n := range f.existing {
		f.chunks[n] = nil
	}
	return chunkstore.CheckResult{UploadedChunks: append([]int{}, f.existing...)}, nil
}

func (f *fakeAPI) UploadChunk(ctx context.Context, u ChunkUpload) (chunkstore.StoreResult, error) {
	f.mu.Lock()
	f.attempts[u.ChunkNumber]++
	attempt := f.attempts[u.ChunkNumber]
	fail, before, after := f.fail, f.before, f.after
	f.mu.Unlock()

	if before != nil {
		if err := before(ctx, u.ChunkNumber); err != nil {
			return chunkstore.StoreResult{}, err
		}
	}
	if fail != nil {
		if err := fail(u.ChunkNumber, attempt); err != nil {
			return chunkstore.StoreResult{}, err
		}
	}
	data, err := io.ReadAll(u.Body)
	if err != nil {
		return chunkstore.StoreResult{}, err
	}
	if int64(len(data)) != u.Size {
		return chunkstore.StoreResult{}, &HTTPError{StatusCode: http.StatusBadRequest, Message: "size mismatch"}
	}

	f.mu.Lock()
	f.chunks[u.ChunkNumber] = data
	f.mu.Unlock()
	if after != nil {
		after(u.ChunkNumber)
	}
	return chunkstore.StoreResult{ChunkNumber: u.ChunkNumber}, nil
}

func (f *fakeAPI) CombineChunks(_ context.Context, uploadID, fileName string, _ int) (api.CombineResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combines++
	if f.combineErr != nil {
		err := f.combineErr
		f.combineErr = nil
		return api.CombineResponse{}, err
	}
	return api.CombineResponse{FileID: uploadID, FilePath: "/media/" + uploadID + "/" + fileName}, nil
}

func (f *fakeAPI) CancelUpload(_ context.Context, uploadID string) (api.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	removed := len(f.chunks)
	f.chunks = map[int][]byte{}
	return api.CancelResponse{UploadID: uploadID, Removed: removed}, nil
}

func (f *fakeAPI) attemptsFor(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[n]
}

func writeTempFile(t *testing.T, size int) (*os.File, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "talk.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, data
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration{}, s.delays...)
}

func newTestController(t *testing.T, server API, file File, opts Options) (*Controller, *sleepRecorder) {
	t.Helper()
	if opts.UploadID == "" {
		opts.UploadID = "up-1"
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 100
	}
	c, err := NewController(server, file, opts)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func unavailable() error {
	return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "busy"}
}

// =============================================================================
// Retries
// =============================================================================

func TestController_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	file, data := writeTempFile(t, 250)
	fake := newFakeAPI()
	fake.fail = func(n, attempt int) error {
		if n == 1 && attempt <= DefaultMaxRetries {
			return unavailable()
		}
		return nil
	}

	c, sleeps := newTestController(t, fake, file, Options{})
	require.NoError(t, c.Start(context.Background()))

	snap := c.Session().Snapshot()
	assert.Equal(t, types.UploadCompleted, snap.Status)
	assert.Equal(t, []int{0, 1, 2}, snap.UploadedChunks)
	assert.Equal(t, map[int]int{1: 3}, snap.RetryCount)
	assert.Equal(t, 4, fake.attemptsFor(1))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.recorded())
	assert.Equal(t, data[100:200], fake.chunks[1])
	assert.Equal(t, 1, fake.combines)
}

func TestController_ResendsCorruptedChunk(t *testing.T) {
	t.Parallel()
	file, data := writeTempFile(t, 250)
	fake := newFakeAPI()
	fake.fail = func(n, attempt int) error {
		if n == 2 && attempt == 1 {
			return &HTTPError{StatusCode: http.StatusBadRequest, Code: CodeChecksumMismatch}
		}
		return nil
	}

	c, sleeps := newTestController(t, fake, file, Options{})
	require.NoError(t, c.Start(context.Background()))

	snap := c.Session().Snapshot()
	assert.Equal(t, types.UploadCompleted, snap.Status)
	assert.Equal(t, map[int]int{2: 1}, snap.RetryCount)
	assert.Equal(t, 2, fake.attemptsFor(2))
	assert.Len(t, sleeps.recorded(), 1)
	assert.Equal(t, data[200:], fake.chunks[2])
}

func TestController_RetriesExhausted(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 250)
	fake := newFakeAPI()
	failing := atomic.Bool{}
	failing.Store(true)
	fake.fail = func(n, _ int) error {
		if n == 1 && failing.Load() {
			return unavailable()
		}
		return nil
	}

	c, sleeps := newTestController(t, fake, file, Options{RetryBaseDelay: 10 * time.Second, RetryMaxDelay: 25 * time.Second})
	err := c.Start(context.Background())
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)

	snap := c.Session().Snapshot()
	assert.Equal(t, types.UploadFailed, snap.Status)
	assert.Contains(t, snap.LastError, "busy")
	assert.Equal(t, []int{0}, snap.UploadedChunks)
	assert.Equal(t, 1+DefaultMaxRetries, fake.attemptsFor(1))
	assert.Zero(t, fake.attemptsFor(2))
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second}, sleeps.recorded())

	// The stored chunk survives the failure; resuming only sends the rest.
	failing.Store(false)
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 1, fake.attemptsFor(0))
	assert.Equal(t, 1, fake.attemptsFor(2))
	assert.Equal(t, types.UploadCompleted, c.Session().Status())
}

func TestController_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"bad request", &HTTPError{StatusCode: http.StatusBadRequest}},
		{"too large", &HTTPError{StatusCode: http.StatusRequestEntityTooLarge}},
		{"disk full", &HTTPError{StatusCode: http.StatusInsufficientStorage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			file, _ := writeTempFile(t, 150)
			fake := newFakeAPI()
			fake.fail = func(n, _ int) error {
				if n == 0 {
					return tt.err
				}
				return nil
			}
			c, sleeps := newTestController(t, fake, file, Options{})
			err := c.Start(context.Background())
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, fake.attemptsFor(0))
			assert.Empty(t, sleeps.recorded())
			assert.Equal(t, types.UploadFailed, c.Session().Status())
		})
	}
}

func TestController_NegativeMaxRetriesDisablesRetry(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 50)
	fake := newFakeAPI()
	fake.fail = func(int, int) error { return unavailable() }

	c, _ := newTestController(t, fake, file, Options{MaxRetries: -1})
	require.Error(t, c.Start(context.Background()))
	assert.Equal(t, 1, fake.attemptsFor(0))
}

// =============================================================================
// Resume, pause, cancel
// =============================================================================

func TestController_ResumesFromServerState(t *testing.T) {
	t.Parallel()
	file, data := writeTempFile(t, 450)
	fake := newFakeAPI()
	fake.existing = []int{0, 1, 3}

	c, _ := newTestController(t, fake, file, Options{})
	require.NoError(t, c.Start(context.Background()))

	for _, n := range []int{0, 1, 3} {
		assert.Zero(t, fake.attemptsFor(n), "chunk %d was already stored", n)
	}
	assert.Equal(t, data[200:300], fake.chunks[2])
	assert.Equal(t, data[400:450], fake.chunks[4])
	assert.Equal(t, []int{0, 1, 2, 3, 4}, c.Session().Snapshot().UploadedChunks)
}

func TestController_PauseAndResume(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 500)
	fake := newFakeAPI()
	c, _ := newTestController(t, fake, file, Options{})
	fake.after = func(n int) {
		if n == 1 {
			c.Pause()
		}
	}

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrPaused)
	snap := c.Session().Snapshot()
	assert.Equal(t, types.UploadPaused, snap.Status)
	assert.Equal(t, []int{0, 1}, snap.UploadedChunks)
	assert.Zero(t, fake.attemptsFor(2))

	fake.after = nil
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, types.UploadCompleted, c.Session().Status())
	for n := range 5 {
		assert.Equal(t, 1, fake.attemptsFor(n), "chunk %d", n)
	}

	// Resuming a completed upload does nothing.
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 1, fake.combines)
	assert.Equal(t, 1, fake.checks, "resume trusts the first check-chunks answer")
}

func TestController_ResumeAfterFailedCheckAsksServer(t *testing.T) {
	t.Parallel()
	file, data := writeTempFile(t, 300)
	fake := newFakeAPI()
	fake.existing = []int{0, 1}
	fake.checkErr = &HTTPError{StatusCode: http.StatusBadRequest, Message: "bad request"}

	c, _ := newTestController(t, fake, file, Options{})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.UploadFailed, c.Session().Status())

	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 2, fake.checks)
	assert.Zero(t, fake.attemptsFor(0))
	assert.Zero(t, fake.attemptsFor(1))
	assert.Equal(t, data[200:], fake.chunks[2])
	assert.Equal(t, []int{0, 1, 2}, c.Session().Snapshot().UploadedChunks)
}

func TestController_CancelAbortsInFlight(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 300)
	fake := newFakeAPI()
	started := make(chan struct{})
	fake.before = func(ctx context.Context, n int) error {
		if n != 1 {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	c, sleeps := newTestController(t, fake, file, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-started
	require.NoError(t, c.Cancel(context.Background()))
	require.ErrorIs(t, <-errCh, ErrCancelled)

	assert.Equal(t, types.UploadCancelled, c.Session().Status())
	assert.Equal(t, 1, fake.attemptsFor(1))
	assert.Empty(t, sleeps.recorded())
	assert.Equal(t, 1, fake.cancels)
	assert.Empty(t, fake.chunks)

	require.ErrorIs(t, c.Resume(context.Background()), ErrCancelled)
	require.ErrorIs(t, c.Start(context.Background()), ErrCancelled)
}

func TestController_ParentContextCancelledIsResumable(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 300)
	fake := newFakeAPI()
	ctx, cancel := context.WithCancel(context.Background())
	fake.after = func(n int) {
		if n == 0 {
			cancel()
		}
	}
	c, _ := newTestController(t, fake, file, Options{})

	require.ErrorIs(t, c.Start(ctx), context.Canceled)
	assert.Equal(t, types.UploadPaused, c.Session().Status())
	assert.Zero(t, fake.cancels)

	fake.after = nil
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 1, fake.attemptsFor(0))
}

func TestController_CombineMissingChunksAreResent(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 300)
	fake := newFakeAPI()
	fake.combineErr = &HTTPError{StatusCode: http.StatusBadRequest, Code: "missing_chunks", MissingChunks: []int{2}}

	c, _ := newTestController(t, fake, file, Options{})
	require.Error(t, c.Start(context.Background()))
	snap := c.Session().Snapshot()
	assert.Equal(t, types.UploadFailed, snap.Status)
	assert.Equal(t, []int{0, 1}, snap.UploadedChunks)

	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, 2, fake.attemptsFor(2))
	assert.Equal(t, 1, fake.attemptsFor(0))
	assert.Equal(t, "/media/up-1/talk.mp4", c.Session().Snapshot().AssembledPath)
}

// =============================================================================
// Progress and throttling
// =============================================================================

func TestController_ReportsProgress(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 1000)
	fake := newFakeAPI()
	fake.before = func(ctx context.Context, _ int) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	var mu sync.Mutex
	var snaps []types.UploadSession
	c, _ := newTestController(t, fake, file, Options{
		ReportInterval: 2 * time.Millisecond,
		OnProgress: func(s types.UploadSession) {
			mu.Lock()
			snaps = append(snaps, s)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, types.UploadCompleted, last.Status)
	assert.Equal(t, int64(1000), last.BytesSent)
	assert.Greater(t, last.BytesPerSec, 0.0)
	assert.Zero(t, last.ETA)
	assert.InDelta(t, 1.0, last.Progress(), 1e-9)

	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, len(snaps[i].UploadedChunks), len(snaps[i-1].UploadedChunks))
	}
}

func TestThrottledReader(t *testing.T) {
	t.Parallel()

	var sent atomic.Int64
	lim := rate.NewLimiter(rate.Limit(1<<30), 1024)
	r := &throttledReader{
		ctx:     context.Background(),
		r:       io.LimitReader(zeroReader{}, 10_000),
		limiter: lim,
		sent:    &sent,
	}
	buf := make([]byte, 8192)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, rest, 10_000-1024)
	assert.Equal(t, int64(10_000), sent.Load())

	assert.Nil(t, newRateLimiter(0))
	assert.Equal(t, 100, newRateLimiter(100).Burst())
	assert.Equal(t, throttleBurst, newRateLimiter(10<<20).Burst())
}

func TestThrottledReader_CancelledWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &throttledReader{ctx: ctx, r: zeroReader{}, limiter: rate.NewLimiter(1, 1)}
	r.limiter.Allow()
	_, err := r.Read(make([]byte, 1))
	assert.Error(t, err)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// =============================================================================
// Construction
// =============================================================================

func TestNewController(t *testing.T) {
	t.Parallel()
	file, _ := writeTempFile(t, 10)

	c, err := NewController(newFakeAPI(), file, Options{})
	require.NoError(t, err)
	assert.Len(t, c.UploadID(), 36)
	snap := c.Session().Snapshot()
	assert.Equal(t, "talk.mp4", snap.FileName)
	assert.Equal(t, types.DefaultChunkSize, snap.ChunkSize)
	assert.Equal(t, 1, snap.TotalChunks)
	assert.Equal(t, types.UploadIdle, snap.Status)
	assert.NotEmpty(t, c.opts.FileType)
	assert.Equal(t, DefaultMaxRetries, c.opts.MaxRetries)

	_, err = NewController(newFakeAPI(), file, Options{UploadID: "../escape"})
	assert.Error(t, err)

	empty, _ := writeTempFile(t, 0)
	_, err = NewController(newFakeAPI(), empty, Options{})
	assert.Error(t, err)

	_, err = NewController(nil, file, Options{})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{ErrCancelled, false},
		{errors.New("connection reset by peer"), true},
		{&HTTPError{StatusCode: http.StatusInternalServerError}, true},
		{&HTTPError{StatusCode: http.StatusBadGateway}, true},
		{&HTTPError{StatusCode: http.StatusRequestTimeout}, true},
		{&HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{&HTTPError{StatusCode: http.StatusBadRequest}, false},
		{&HTTPError{StatusCode: http.StatusBadRequest, Code: CodeChecksumMismatch}, true},
		{&HTTPError{StatusCode: http.StatusBadRequest, Code: "size_mismatch"}, false},
		{&HTTPError{StatusCode: http.StatusNotFound}, false},
		{&HTTPError{StatusCode: http.StatusInsufficientStorage}, false},
		{&HTTPError{StatusCode: http.StatusNotImplemented}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
