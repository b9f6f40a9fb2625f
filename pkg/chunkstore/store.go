// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore persists uploaded chunks per upload id and assembles
// them into the original media file.
//
// Layout:
//
//	<chunk_dir>/<uploadId>/chunk-00000
//	<chunk_dir>/<uploadId>/.manifest.json
//	<media_dir>/<uploadId>-<fileName>
package chunkstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"golang.org/x/sync/singleflight"
)

const (
	chunkPrefix  = "chunk-"
	manifestName = ".manifest.json"

	// DefaultMaxChunkSize bounds a single chunk body.
	DefaultMaxChunkSize int64 = 64 << 20
)

// ChunkName returns the zero-padded file name of chunk n.
func ChunkName(n int) string {
	return fmt.Sprintf("%s%05d", chunkPrefix, n)
}

// Config configures a Store.
type Config struct {
	ChunkDir     string
	MediaDir     string
	MaxChunkSize int64
	// MinFreeSpace rejects writes that would leave less free space. Nil disables the check.
	MinFreeSpace *utils.FreeSpace
}

// Store is the server-side chunk store and assembler.
type Store struct {
	cfg Config

	locks   *utils.ShardedMap[*sync.Mutex]
	combine singleflight.Group

	// disk is swapped in tests
	disk func(path string) (utils.DiskStatus, error)
}

// CheckResult answers a resumability check.
type CheckResult struct {
	UploadedChunks []int `json:"uploadedChunks"`
	IsComplete     bool  `json:"isComplete"`
}

// ChunkWrite describes one incoming chunk.
type ChunkWrite struct {
	UploadID    string
	ChunkNumber int
	TotalChunks int
	FileName    string
	// Checksum is an optional hex SHA-256 of the body.
	Checksum string
	// Size is the declared body size, or -1 when unknown.
	Size int64
	Body io.Reader
}

// StoreResult is returned after a chunk has been committed.
type StoreResult struct {
	ChunkNumber    int   `json:"chunkNumber"`
	UploadedCount  int   `json:"uploadedCount"`
	UploadedChunks []int `json:"uploadedChunks"`
	IsComplete     bool  `json:"isComplete"`
}

// NewStore creates the staging and media directories and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.ChunkDir == "" || cfg.MediaDir == "" {
		return nil, errors.New("chunk_dir and media_dir are required")
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	for _, dir := range []string{cfg.ChunkDir, cfg.MediaDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	return &Store{
		cfg:   cfg,
		locks: utils.NewShardedMap[*sync.Mutex](),
		disk:  utils.Disk,
	}, nil
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.cfg.ChunkDir, uploadID)
}

func (s *Store) lock(uploadID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(uploadID, &sync.Mutex{})
	return mu
}

func (s *Store) mediaDir(uploadID string) string {
	return filepath.Join(s.cfg.MediaDir, uploadID)
}

// AssembledPath returns where Combine writes the media file for an upload.
// Every upload owns the directory <media_dir>/<uploadId>.
func (s *Store) AssembledPath(uploadID, fileName string) string {
	return filepath.Join(s.mediaDir(uploadID), utils.SafeFileName(fileName))
}

// FindAssembled locates the assembled media for uploadID. fileName is tried
// first; otherwise the first regular file in the upload's media dir is used.
func (s *Store) FindAssembled(uploadID, fileName string) (types.AssembledMedia, error) {
	if !utils.ValidID(uploadID) {
		return types.AssembledMedia{}, invalidf("invalid upload id %q", uploadID)
	}
	candidates := []string{}
	if fileName != "" {
		candidates = append(candidates, s.AssembledPath(uploadID, fileName))
	}
	if entries, err := os.ReadDir(s.mediaDir(uploadID)); err == nil {
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				candidates = append(candidates, filepath.Join(s.mediaDir(uploadID), e.Name()))
			}
		}
	}

	for _, p := range candidates {
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return types.AssembledMedia{Path: p, Size: info.Size()}, nil
		}
	}
	return types.AssembledMedia{}, &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("no assembled media for upload %s", uploadID),
	}
}

func (s *Store) checkDisk(incoming int64) error {
	if s.cfg.MinFreeSpace == nil || incoming <= 0 {
		return nil
	}
	st, err := s.disk(s.cfg.ChunkDir)
	if err != nil {
		logger.Warn().Err(err).Str("dir", s.cfg.ChunkDir).Msg("chunkstore: disk stat failed, skipping free space check")
		return nil
	}
	if ok, reason := s.cfg.MinFreeSpace.Admits(st, uint64(incoming)); !ok {
		return &Error{Code: ErrCodeInsufficientStorage, Message: "insufficient storage: " + reason}
	}
	return nil
}

// CheckExisting lists the chunks already stored for uploadID. It never fails
// for an unknown upload; that simply has no chunks yet.
func (s *Store) CheckExisting(ctx context.Context, uploadID string, totalChunks int, fileSize int64) (res CheckResult, err error) {
	defer func() { observeError("check", err) }()

	if !utils.ValidID(uploadID) {
		return CheckResult{}, invalidf("invalid upload id %q", uploadID)
	}
	if totalChunks <= 0 {
		return CheckResult{}, invalidf("totalChunks must be positive, got %d", totalChunks)
	}

	mu := s.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	chunks, err := listChunks(s.uploadDir(uploadID))
	if err != nil {
		return CheckResult{}, internal("list chunks", err)
	}

	have := int64(0)
	for _, c := range chunks {
		have += c.Size
	}
	if err := s.checkDisk(fileSize - have); err != nil {
		return CheckResult{}, err
	}

	if fileSize > 0 {
		if err := s.recordManifest(uploadID, manifest{FileSize: fileSize, TotalChunks: totalChunks}); err != nil {
			logger.Warn().Err(err).Str("upload_id", uploadID).Msg("chunkstore: failed to record manifest")
		}
	}

	numbers := chunkNumbers(chunks, totalChunks)
	return CheckResult{
		UploadedChunks: numbers,
		IsComplete:     len(numbers) == totalChunks,
	}, nil
}

// StoreChunk writes one chunk to a temp file, verifies it and renames it into
// place. Re-sending a chunk replaces it.
func (s *Store) StoreChunk(ctx context.Context, w ChunkWrite) (res StoreResult, err error) {
	defer func() { observeError("store", err) }()

	if !utils.ValidID(w.UploadID) {
		return StoreResult{}, invalidf("invalid upload id %q", w.UploadID)
	}
	if w.TotalChunks <= 0 {
		return StoreResult{}, invalidf("totalChunks must be positive, got %d", w.TotalChunks)
	}
	if w.ChunkNumber < 0 || w.ChunkNumber >= w.TotalChunks {
		return StoreResult{}, invalidf("chunkNumber %d out of range [0,%d)", w.ChunkNumber, w.TotalChunks)
	}
	if w.Body == nil {
		return StoreResult{}, invalidf("chunk body is required")
	}
	if w.Size > s.cfg.MaxChunkSize {
		return StoreResult{}, &Error{
			Code:    ErrCodeTooLarge,
			Message: fmt.Sprintf("chunk of %d bytes exceeds limit of %d", w.Size, s.cfg.MaxChunkSize),
		}
	}
	expected := w.Size
	if expected < 0 {
		expected = s.cfg.MaxChunkSize
	}
	if err := s.checkDisk(expected); err != nil {
		return StoreResult{}, err
	}

	mu := s.lock(w.UploadID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.uploadDir(w.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoreResult{}, internal("create upload dir", err)
	}

	size, err := s.writeChunk(ctx, dir, w)
	if err != nil {
		return StoreResult{}, err
	}

	if err := s.recordManifest(w.UploadID, manifest{FileName: w.FileName, TotalChunks: w.TotalChunks}); err != nil {
		logger.Warn().Err(err).Str("upload_id", w.UploadID).Msg("chunkstore: failed to record manifest")
	}

	chunks, err := listChunks(dir)
	if err != nil {
		return StoreResult{}, internal("list chunks", err)
	}
	numbers := chunkNumbers(chunks, w.TotalChunks)

	chunksStoredTotal.Inc()
	chunkBytesTotal.Add(float64(size))
	logger.Debug().
		Str("upload_id", w.UploadID).
		Int("chunk", w.ChunkNumber).
		Int("total", w.TotalChunks).
		Int64("size", size).
		Int("uploaded", len(numbers)).
		Msg("chunkstore: stored chunk")

	return StoreResult{
		ChunkNumber:    w.ChunkNumber,
		UploadedCount:  len(numbers),
		UploadedChunks: numbers,
		IsComplete:     len(numbers) == w.TotalChunks,
	}, nil
}

func (s *Store) writeChunk(ctx context.Context, dir string, w ChunkWrite) (int64, error) {
	f, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return 0, internal("create temp chunk", err)
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	var dst io.Writer = f
	hasher := utils.Sha256PoolGetHasher()
	defer utils.Sha256PoolPutHasher(hasher)
	if w.Checksum != "" {
		dst = io.MultiWriter(f, hasher)
	}

	n, err := utils.CopyBuffered(dst, io.LimitReader(w.Body, s.cfg.MaxChunkSize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, &Error{Code: ErrCodeInvalid, Message: "upload aborted", Err: ctxErr}
		}
		return 0, &Error{Code: ErrCodeInvalid, Message: "read chunk body", Err: err}
	}
	if n > s.cfg.MaxChunkSize {
		return 0, &Error{
			Code:    ErrCodeTooLarge,
			Message: fmt.Sprintf("chunk exceeds limit of %d bytes", s.cfg.MaxChunkSize),
		}
	}
	if n == 0 {
		return 0, invalidf("chunk %d is empty", w.ChunkNumber)
	}
	if w.Size >= 0 && n != w.Size {
		return 0, &Error{
			Code:    ErrCodeSizeMismatch,
			Message: fmt.Sprintf("chunk %d: received %d bytes, declared %d", w.ChunkNumber, n, w.Size),
		}
	}
	if w.Checksum != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, w.Checksum) {
			return 0, &Error{
				Code:    ErrCodeChecksumMismatch,
				Message: fmt.Sprintf("chunk %d: checksum mismatch", w.ChunkNumber),
			}
		}
	}

	if err := utils.Fdatasync(f); err != nil {
		return 0, internal("sync chunk", err)
	}
	if err := f.Close(); err != nil {
		return 0, internal("close chunk", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ChunkName(w.ChunkNumber))); err != nil {
		return 0, internal("commit chunk", err)
	}
	committed = true
	return n, nil
}

// Combine concatenates chunks 0..totalChunks-1 in order into the assembled
// media file. Every chunk is checked before anything is touched, so a missing
// chunk fails the call with the chunk numbers and leaves the staging area as
// it was. Each chunk is deleted right after it has been appended. Calling
// Combine again after success returns the existing file.
func (s *Store) Combine(ctx context.Context, uploadID, fileName string, totalChunks int) (types.AssembledMedia, error) {
	if !utils.ValidID(uploadID) {
		err := invalidf("invalid upload id %q", uploadID)
		observeError("combine", err)
		return types.AssembledMedia{}, err
	}
	if totalChunks <= 0 {
		err := invalidf("totalChunks must be positive, got %d", totalChunks)
		observeError("combine", err)
		return types.AssembledMedia{}, err
	}

	key := uploadID + "/" + strconv.Itoa(totalChunks)
	v, err, _ := s.combine.Do(key, func() (any, error) {
		return s.combineLocked(ctx, uploadID, fileName, totalChunks)
	})
	if err != nil {
		observeError("combine", err)
		combinesTotal.WithLabelValues("failed").Inc()
		return types.AssembledMedia{}, err
	}
	return v.(types.AssembledMedia), nil
}

func (s *Store) combineLocked(ctx context.Context, uploadID, fileName string, totalChunks int) (types.AssembledMedia, error) {
	mu := s.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	dir := s.uploadDir(uploadID)
	final := s.AssembledPath(uploadID, fileName)

	chunks, err := listChunks(dir)
	if err != nil {
		return types.AssembledMedia{}, internal("list chunks", err)
	}

	if len(chunks) == 0 {
		if info, err := os.Stat(final); err == nil && info.Mode().IsRegular() {
			combinesTotal.WithLabelValues("already_assembled").Inc()
			return types.AssembledMedia{Path: final, Size: info.Size()}, nil
		}
	}

	byNumber := make(map[int]storedFile, len(chunks))
	for _, c := range chunks {
		byNumber[c.ChunkNumber] = c
	}
	var absent []int
	var total int64
	for i := 0; i < totalChunks; i++ {
		c, ok := byNumber[i]
		if !ok {
			absent = append(absent, i)
			continue
		}
		total += c.Size
	}
	if len(absent) > 0 {
		return types.AssembledMedia{}, missing(absent)
	}

	m, _ := s.readManifest(uploadID)
	if m.FileSize > 0 && m.FileSize != total {
		return types.AssembledMedia{}, &Error{
			Code:    ErrCodeSizeMismatch,
			Message: fmt.Sprintf("chunks hold %d bytes, upload declared %d", total, m.FileSize),
		}
	}
	if st, err := s.disk(s.cfg.MediaDir); err == nil && s.cfg.MinFreeSpace != nil {
		if ok, reason := s.cfg.MinFreeSpace.Admits(st, uint64(total)); !ok {
			return types.AssembledMedia{}, &Error{Code: ErrCodeInsufficientStorage, Message: "insufficient storage: " + reason}
		}
	}

	if err := os.MkdirAll(s.mediaDir(uploadID), 0o755); err != nil {
		return types.AssembledMedia{}, internal("create media dir", err)
	}
	out, err := os.CreateTemp(s.mediaDir(uploadID), ".assemble-*.tmp")
	if err != nil {
		return types.AssembledMedia{}, internal("create output", err)
	}
	tmp := out.Name()
	committed := false
	defer func() {
		if !committed {
			out.Close()
			os.Remove(tmp)
		}
	}()

	// Past this point chunks are consumed; cancellation of ctx is ignored so a
	// disconnecting client cannot leave a half-deleted staging directory.
	var written int64
	for i := 0; i < totalChunks; i++ {
		c := byNumber[i]
		n, err := appendFile(out, c.Path)
		if err != nil {
			logger.Error().
				Err(err).
				Str("upload_id", uploadID).
				Int("chunk", i).
				Msg("chunkstore: combine failed after consuming chunks")
			return types.AssembledMedia{}, internal(fmt.Sprintf("append chunk %d", i), err)
		}
		written += n
		if err := os.Remove(c.Path); err != nil {
			logger.Warn().Err(err).Str("path", c.Path).Msg("chunkstore: failed to delete appended chunk")
		}
	}

	if err := utils.Fdatasync(out); err != nil {
		return types.AssembledMedia{}, internal("sync output", err)
	}
	if err := out.Close(); err != nil {
		return types.AssembledMedia{}, internal("close output", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return types.AssembledMedia{}, internal("commit output", err)
	}
	committed = true

	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("chunkstore: failed to remove upload dir")
	}

	combinesTotal.WithLabelValues("assembled").Inc()
	combineDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Str("upload_id", uploadID).
		Str("path", final).
		Int64("size", written).
		Int("chunks", totalChunks).
		Dur("took", time.Since(start)).
		Msg("chunkstore: assembled upload")

	return types.AssembledMedia{Path: final, Size: written}, nil
}

// Cancel discards every stored chunk of uploadID. Unknown uploads are not an error.
func (s *Store) Cancel(ctx context.Context, uploadID string) (removed int, err error) {
	defer func() { observeError("cancel", err) }()

	if !utils.ValidID(uploadID) {
		return 0, invalidf("invalid upload id %q", uploadID)
	}

	mu := s.lock(uploadID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.uploadDir(uploadID)
	chunks, err := listChunks(dir)
	if err != nil {
		return 0, internal("list chunks", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, internal("remove upload dir", err)
	}

	logger.Info().Str("upload_id", uploadID).Int("removed", len(chunks)).Msg("chunkstore: cancelled upload")
	return len(chunks), nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return utils.CopyBuffered(dst, f)
}

type storedFile struct {
	types.StoredChunk
	Path string
}

// listChunks returns the committed, non-empty chunks in dir ordered by number.
// A missing dir yields no chunks.
func listChunks(dir string) ([]storedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []storedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, chunkPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
		if err != nil || n < 0 {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		out = append(out, storedFile{
			StoredChunk: types.StoredChunk{UploadID: filepath.Base(dir), ChunkNumber: n, Size: info.Size()},
			Path:        filepath.Join(dir, name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkNumber < out[j].ChunkNumber })
	return out, nil
}

// chunkNumbers returns the distinct chunk numbers below total.
func chunkNumbers(chunks []storedFile, total int) []int {
	numbers := make([]int, 0, len(chunks))
	for _, c := range chunks {
		if c.ChunkNumber < total {
			numbers = append(numbers, c.ChunkNumber)
		}
	}
	return numbers
}
