// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload is the client side of chunked uploads: it slices a local
// file, sends the chunks one at a time with retries, and can pause, resume
// and cancel.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/api"
	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
	DefaultReportInterval = time.Second
)

var (
	ErrCancelled = errors.New("upload cancelled")
	ErrPaused    = errors.New("upload paused")
	ErrRunning   = errors.New("upload already running")
)

// API is the server protocol the controller drives. *Client implements it.
type API interface {
	CheckChunks(ctx context.Context, uploadID string, totalChunks int, fileSize int64) (chunkstore.CheckResult, error)
	UploadChunk(ctx context.Context, u ChunkUpload) (chunkstore.StoreResult, error)
	CombineChunks(ctx context.Context, uploadID, fileName string, totalChunks int) (api.CombineResponse, error)
	CancelUpload(ctx context.Context, uploadID string) (api.CancelResponse, error)
}

// File is the local source. *os.File implements it.
type File interface {
	io.ReaderAt
	Stat() (fs.FileInfo, error)
}

// Options tune a Controller. Zero values select the defaults.
type Options struct {
	// UploadID must be reused to resume an upload. Empty generates a new one.
	UploadID string
	FileName string
	FileType string
	// ChunkSize defaults to types.DefaultChunkSize.
	ChunkSize int64

	// MaxRetries is the number of retries after the first attempt of a
	// request. Negative disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ReportInterval is how often throughput and ETA are recomputed.
	ReportInterval time.Duration
	// RateLimit caps upload bandwidth in bytes per second. 0 is unlimited.
	RateLimit int64
	// SkipChecksum omits the per-chunk SHA-256.
	SkipChecksum bool

	// OnProgress receives a snapshot on every report tick and when a run ends.
	OnProgress func(types.UploadSession)
}

// Controller uploads one file. Start, Resume and Cancel may be called from
// different goroutines; only one run is active at a time.
type Controller struct {
	api     API
	file    File
	opts    Options
	session *Session
	limiter *rate.Limiter

	paused    atomic.Bool
	cancelled atomic.Bool
	// checked is set once check-chunks has answered for this session.
	checked atomic.Bool

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}

	// swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewController prepares an upload of file through server.
func NewController(server API, file File, opts Options) (*Controller, error) {
	if server == nil || file == nil {
		return nil, errors.New("upload: server and file are required")
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("upload: stat file: %w", err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("upload: %s is empty", info.Name())
	}

	if opts.UploadID == "" {
		opts.UploadID = uuid.NewString()
	}
	if !utils.ValidID(opts.UploadID) {
		return nil, fmt.Errorf("upload: invalid upload id %q", opts.UploadID)
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(info.Name())
	}
	if opts.FileType == "" {
		opts.FileType = mime.TypeByExtension(filepath.Ext(opts.FileName))
		if opts.FileType == "" {
			opts.FileType = "application/octet-stream"
		}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = types.DefaultChunkSize
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}

	return &Controller{
		api:     server,
		file:    file,
		opts:    opts,
		session: newSession(opts.UploadID, opts.FileName, info.Size(), opts.ChunkSize),
		limiter: newRateLimiter(opts.RateLimit),
		sleep:   utils.Sleep,
		now:     time.Now,
	}, nil
}

// Session returns the observable session state.
func (c *Controller) Session() *Session {
	return c.session
}

// UploadID returns the id to reuse when resuming from another process.
func (c *Controller) UploadID() string {
	return c.opts.UploadID
}

// Start asks the server which chunks it already has, uploads the rest and
// combines them. It blocks until the upload completes, fails, is paused or is
// cancelled, returning nil, the failure, ErrPaused or ErrCancelled.
func (c *Controller) Start(ctx context.Context) error {
	return c.run(ctx, true)
}

// Resume continues a paused or failed upload. The server is asked for its
// stored chunks again only if check-chunks never succeeded in this session.
func (c *Controller) Resume(ctx context.Context) error {
	switch c.session.Status() {
	case types.UploadCompleted:
		return nil
	case types.UploadCancelled:
		return ErrCancelled
	}
	return c.run(ctx, !c.checked.Load())
}

// Pause stops the run after the chunk in flight.
func (c *Controller) Pause() {
	c.paused.Store(true)
}

// Cancel aborts the request in flight, waits for the run to stop and asks the
// server to discard the stored chunks.
func (c *Controller) Cancel(ctx context.Context) error {
	if c.session.Status() == types.UploadCompleted {
		return nil
	}
	c.cancelled.Store(true)

	c.mu.Lock()
	running, stop, done := c.running, c.stop, c.done
	c.mu.Unlock()
	if running {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.session.setStatus(types.UploadCancelled)

	res, err := c.api.CancelUpload(ctx, c.opts.UploadID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("upload_id", c.opts.UploadID).Msg("upload: cancel-upload failed")
		return fmt.Errorf("cancel-upload: %w", err)
	}
	logger.Ctx(ctx).Info().
		Str("upload_id", c.opts.UploadID).
		Int("removed", res.Removed).
		Bool("queued", res.Queued).
		Msg("upload: cancelled")
	return nil
}

func (c *Controller) run(ctx context.Context, check bool) (err error) {
	if c.cancelled.Load() {
		return ErrCancelled
	}
	if c.session.Status() == types.UploadCompleted {
		return nil
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running, c.stop, c.done = true, stop, done
	c.mu.Unlock()
	c.paused.Store(false)

	defer func() {
		stop()
		c.mu.Lock()
		c.running, c.stop = false, nil
		c.mu.Unlock()
		close(done)
	}()

	l := logger.Ctx(ctx).With().Str("upload_id", c.opts.UploadID).Logger()
	runCtx = logger.WithLogger(runCtx, &l)

	if check {
		total := c.session.totalChunks
		size := c.session.fileSize
		var res chunkstore.CheckResult
		err := c.retry(runCtx, "check-chunks", -1, func(ctx context.Context) error {
			var err error
			res, err = c.api.CheckChunks(ctx, c.opts.UploadID, total, size)
			return err
		})
		if err != nil {
			return c.finish(ctx, err)
		}
		c.session.markExisting(res.UploadedChunks)
		c.checked.Store(true)
		l.Info().
			Int("total", total).
			Int("existing", len(res.UploadedChunks)).
			Msg("upload: starting")
	}

	c.session.setStatus(types.UploadUploading)
	var sent atomic.Int64
	stopReporter := c.startReporter(&sent)
	defer stopReporter()

	err = c.uploadPending(runCtx, &sent)
	if err == nil {
		err = c.combine(runCtx)
	}
	return c.finish(ctx, err)
}

// finish settles the session status for the way a run ended.
func (c *Controller) finish(ctx context.Context, err error) error {
	switch {
	case err == nil:
		sessionsTotal.WithLabelValues("completed").Inc()
		return nil
	case c.cancelled.Load():
		c.session.setStatus(types.UploadCancelled)
		sessionsTotal.WithLabelValues("cancelled").Inc()
		return ErrCancelled
	case errors.Is(err, ErrPaused):
		c.session.setStatus(types.UploadPaused)
		sessionsTotal.WithLabelValues("paused").Inc()
		return ErrPaused
	case ctx.Err() != nil:
		// The caller went away; everything stored so far is still resumable.
		c.session.setStatus(types.UploadPaused)
		sessionsTotal.WithLabelValues("interrupted").Inc()
		return ctx.Err()
	default:
		c.session.fail(err)
		sessionsTotal.WithLabelValues("failed").Inc()
		logger.Ctx(ctx).Error().Err(err).Str("upload_id", c.opts.UploadID).Msg("upload: failed")
		return err
	}
}

func (c *Controller) uploadPending(ctx context.Context, sent *atomic.Int64) error {
	for _, n := range c.session.pending() {
		if c.cancelled.Load() {
			return ErrCancelled
		}
		if c.paused.Load() {
			return ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.uploadChunk(ctx, n, sent); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) uploadChunk(ctx context.Context, n int, sent *atomic.Int64) error {
	offset, length := types.ChunkRange(n, c.session.fileSize, c.session.chunkSize)

	var sum string
	if !c.opts.SkipChecksum {
		var err error
		sum, _, err = utils.Sha256Hex(io.NewSectionReader(c.file, offset, length))
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", n, err)
		}
	}

	err := c.retry(ctx, fmt.Sprintf("chunk %d", n), n, func(ctx context.Context) error {
		_, err := c.api.UploadChunk(ctx, ChunkUpload{
			UploadID:    c.opts.UploadID,
			ChunkNumber: n,
			TotalChunks: c.session.totalChunks,
			FileName:    c.opts.FileName,
			FileType:    c.opts.FileType,
			Checksum:    sum,
			Body: &throttledReader{
				ctx:     ctx,
				r:       io.NewSectionReader(c.file, offset, length),
				limiter: c.limiter,
				sent:    sent,
			},
			Size: length,
		})
		if err != nil {
			chunksTotal.WithLabelValues("failed").Inc()
		}
		return err
	})
	if err != nil {
		return err
	}

	c.session.markUploaded(n, length)
	chunksTotal.WithLabelValues("ok").Inc()
	bytesSentTotal.Add(float64(length))
	logger.Ctx(ctx).Debug().Int("chunk", n).Int64("size", length).Msg("upload: chunk stored")
	return nil
}

func (c *Controller) combine(ctx context.Context) error {
	c.session.setStatus(types.UploadCombining)

	var res api.CombineResponse
	err := c.retry(ctx, "combine-chunks", -1, func(ctx context.Context) error {
		var err error
		res, err = c.api.CombineChunks(ctx, c.opts.UploadID, c.opts.FileName, c.session.totalChunks)
		return err
	})
	if err != nil {
		// Chunks the server lost are sent again on resume.
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && len(httpErr.MissingChunks) > 0 {
			c.session.forget(httpErr.MissingChunks)
		}
		return err
	}

	c.session.setAssembled(res.FilePath)
	c.session.setStatus(types.UploadCompleted)
	logger.Ctx(ctx).Info().
		Str("path", res.FilePath).
		Int64("size", res.FileSize).
		Msg("upload: combined")
	return nil
}

// retry runs fn until it succeeds, fails permanently or runs out of retries.
// chunk is the chunk number whose retry count is tracked, or -1.
func (c *Controller) retry(ctx context.Context, what string, chunk int, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return fmt.Errorf("%s: %w", what, err)
		}
		if attempt >= c.opts.MaxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", what, attempt+1, err)
		}

		if chunk >= 0 {
			c.session.incRetry(chunk)
		}
		chunkRetriesTotal.Inc()
		delay := utils.Backoff(c.opts.RetryBaseDelay, c.opts.RetryMaxDelay, attempt)
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("op", what).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("upload: retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// startReporter recomputes throughput and ETA every ReportInterval from the
// bytes sent since the run began. The returned func stops it and reports once more.
func (c *Controller) startReporter(sent *atomic.Int64) func() {
	start := c.now()
	report := func() {
		elapsed := c.now().Sub(start).Seconds()
		var bps float64
		if elapsed > 0 {
			bps = float64(sent.Load()) / elapsed
		}
		var eta time.Duration
		remaining := c.session.fileSize - c.session.confirmedBytes()
		if bps > 0 && remaining > 0 {
			eta = time.Duration(float64(remaining) / bps * float64(time.Second))
		}
		c.session.setRate(bps, eta)
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(c.session.Snapshot())
		}
	}

	ticker := time.NewTicker(c.opts.ReportInterval)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				report()
			case <-quit:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(quit)
		wg.Wait()
		report()
	}
}
