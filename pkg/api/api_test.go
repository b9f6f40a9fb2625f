// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/pipeline"
	"github.com/LeeDigitalWorks/zapscribe/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapscribe/pkg/stt"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 1 << 10

// unusedMedia satisfies the pipeline's media interfaces. No worker runs in
// these tests, so the pipeline never reaches them.
type unusedMedia struct{}

func (unusedMedia) ExtractAudio(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func (unusedMedia) Split(context.Context, string, int, string) ([]types.AudioSegment, error) {
	return nil, errors.New("not used")
}

type harness struct {
	store   *chunkstore.Store
	jobs    *jobs.Table
	queue   *taskqueue.MemoryQueue
	outputs *backend.MemoryStorage
	server  *Server
}

func newHarness(t *testing.T, wrap func(*chunkstore.Store) ChunkStore) *harness {
	t.Helper()
	return newSizedHarness(t, testChunkSize, wrap)
}

func newSizedHarness(t *testing.T, maxChunkSize int64, wrap func(*chunkstore.Store) ChunkStore) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := chunkstore.NewStore(chunkstore.Config{
		ChunkDir:     filepath.Join(root, "chunks"),
		MediaDir:     filepath.Join(root, "media"),
		MaxChunkSize: maxChunkSize,
	})
	require.NoError(t, err)

	h := &harness{
		store:   store,
		jobs:    jobs.NewTable(jobs.NewMemoryHistory()),
		queue:   taskqueue.NewMemoryQueue(),
		outputs: backend.NewMemoryStorage(),
	}
	t.Cleanup(func() { h.queue.Close() })

	o, err := pipeline.New(pipeline.Config{WorkDir: filepath.Join(root, "work")}, pipeline.Deps{
		Jobs:        h.jobs,
		Locator:     store,
		Extractor:   unusedMedia{},
		Splitter:    unusedMedia{},
		Transcriber: &stt.Mock{},
		Outputs:     h.outputs,
		Queue:       h.queue,
	})
	require.NoError(t, err)

	var cs ChunkStore = store
	if wrap != nil {
		cs = wrap(store)
	}
	h.server, err = NewServer(Options{Store: cs, Pipeline: o, MaxChunkSize: maxChunkSize})
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req)
}

func (h *harness) uploadChunk(t *testing.T, uploadID string, n, total int, body []byte, checksum string) *httptest.ResponseRecorder {
	t.Helper()
	fields := map[string]string{
		"uploadId":    uploadID,
		"chunkNumber": strconv.Itoa(n),
		"totalChunks": strconv.Itoa(total),
		"fileName":    "talk.mp4",
		"fileType":    "video/mp4",
	}
	if checksum != "" {
		fields["checksum"] = checksum
	}
	return h.do(t, chunkRequest(t, fields, body))
}

func chunkRequest(t *testing.T, fields map[string]string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if body != nil {
		fw, err := mw.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = fw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Uploads
// =============================================================================

func TestUploadFlow_ResumeAndCombine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	data := randomBytes(t, 3*testChunkSize-100)
	total := types.TotalChunks(int64(len(data)), testChunkSize)
	require.Equal(t, 3, total)
	chunk := func(n int) []byte {
		off, length := types.ChunkRange(n, int64(len(data)), testChunkSize)
		return data[off : off+length]
	}
	check := func() chunkstore.CheckResult {
		rec := h.postJSON(t, "/check-chunks", map[string]any{"uploadId": "up-1", "totalChunks": total, "fileSize": len(data)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[chunkstore.CheckResult](t, rec)
	}

	res := check()
	assert.Empty(t, res.UploadedChunks)
	assert.False(t, res.IsComplete)

	rec := h.uploadChunk(t, "up-1", 0, total, chunk(0), checksum(chunk(0)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored := decode[chunkstore.StoreResult](t, rec)
	assert.Equal(t, 0, stored.ChunkNumber)
	assert.Equal(t, []int{0}, stored.UploadedChunks)

	// A restarted client asks again before resuming.
	res = check()
	assert.Equal(t, []int{0}, res.UploadedChunks)
	assert.False(t, res.IsComplete)

	for _, n := range []int{2, 1} {
		rec := h.uploadChunk(t, "up-1", n, total, chunk(n), "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	res = check()
	assert.Equal(t, []int{0, 1, 2}, res.UploadedChunks)
	assert.True(t, res.IsComplete)

	rec = h.postJSON(t, "/combine-chunks", map[string]any{"uploadId": "up-1", "fileName": "talk.mp4", "totalChunks": total})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	combined := decode[CombineResponse](t, rec)
	assert.Equal(t, "up-1", combined.FileID)
	assert.Equal(t, int64(len(data)), combined.FileSize)
	got, err := os.ReadFile(combined.FilePath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Combining again returns the existing file.
	rec = h.postJSON(t, "/combine-chunks", map[string]any{"uploadId": "up-1", "fileName": "talk.mp4", "totalChunks": total})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, combined, decode[CombineResponse](t, rec))
}

func TestCombine_MissingChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.uploadChunk(t, "up-2", 1, 4, randomBytes(t, 10), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.postJSON(t, "/combine-chunks", map[string]any{"uploadId": "up-2", "fileName": "a.wav", "totalChunks": 4})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "missing_chunks", resp.Code)
	assert.Equal(t, []int{0, 2, 3}, resp.MissingChunks)
	assert.NotEmpty(t, resp.RequestID)
}

func TestUploadChunk_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	body := randomBytes(t, 64)

	tests := []struct {
		name   string
		fields map[string]string
		body   []byte
		status int
		code   string
	}{
		{
			name:   "missing chunk number",
			fields: map[string]string{"uploadId": "u", "totalChunks": "2"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "non-integer total",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "two"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "missing file part",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2"},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "chunk number out of range",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "2", "totalChunks": "2"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "bad upload id",
			fields: map[string]string{"uploadId": "../etc", "chunkNumber": "0", "totalChunks": "2"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "checksum mismatch",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2", "checksum": strings.Repeat("0", 64)},
			body:   body,
			status: http.StatusBadRequest,
			code:   "checksum_mismatch",
		},
		{
			name:   "too large",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2"},
			body:   randomBytes(t, 2*testChunkSize),
			status: http.StatusRequestEntityTooLarge,
			code:   "chunk_too_large",
		},
		{
			name:   "declared size differs",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2", "chunkSize": "100"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "size_mismatch",
		},
		{
			name:   "bad declared size",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2", "chunkSize": "-5"},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "oversized field",
			fields: map[string]string{"uploadId": "u", "chunkNumber": "0", "totalChunks": "2", "fileName": strings.Repeat("a", maxFieldSize+1)},
			body:   body,
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, chunkRequest(t, tt.fields, tt.body))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestUploadChunk_FieldsMustPrecedeChunk(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = fw.Write(randomBytes(t, 16))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("uploadId", "late"))
	require.NoError(t, mw.WriteField("chunkNumber", "0"))
	require.NoError(t, mw.WriteField("totalChunks", "1"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := h.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	res, err := h.store.CheckExisting(context.Background(), "late", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, res.UploadedChunks)
}

// A chunk larger than any in-memory form buffer must go straight into
// chunk_dir without being spooled to the system temp dir first.
func TestUploadChunk_StreamsWithoutTempFiles(t *testing.T) {
	spool := t.TempDir()
	const size = 9 << 20
	h := newSizedHarness(t, 16<<20, nil)
	t.Setenv("TMPDIR", spool)

	body := randomBytes(t, size)
	rec := h.uploadChunk(t, "big", 0, 1, body, checksum(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing spooled outside chunk_dir")

	media, err := h.store.Combine(context.Background(), "big", "big.wav", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(size), media.Size)
}

func TestCheckChunks_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/check-chunks", strings.NewReader("{not json"))
	rec := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.postJSON(t, "/check-chunks", map[string]any{"uploadId": "up-1", "totalChunks": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckChunks_InsufficientStorage(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store, err := chunkstore.NewStore(chunkstore.Config{
		ChunkDir:     filepath.Join(root, "chunks"),
		MediaDir:     filepath.Join(root, "media"),
		MinFreeSpace: &utils.FreeSpace{Type: utils.AsBytes, Bytes: 1 << 62, Raw: "4EiB"},
	})
	require.NoError(t, err)
	h := newHarness(t, func(*chunkstore.Store) ChunkStore { return store })

	rec := h.postJSON(t, "/check-chunks", map[string]any{"uploadId": "up-1", "totalChunks": 3, "fileSize": 150 << 20})
	require.Equal(t, http.StatusInsufficientStorage, rec.Code, rec.Body.String())
	assert.Equal(t, "insufficient_storage", decode[ErrorResponse](t, rec).Code)
}

func TestCancelUpload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for n := range 2 {
		require.Equal(t, http.StatusOK, h.uploadChunk(t, "up-3", n, 3, randomBytes(t, 32), "").Code)
	}

	rec := h.postJSON(t, "/cancel-upload", map[string]any{"uploadId": "up-3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, CancelResponse{UploadID: "up-3", Removed: 2}, decode[CancelResponse](t, rec))

	rec = h.postJSON(t, "/check-chunks", map[string]any{"uploadId": "up-3", "totalChunks": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[chunkstore.CheckResult](t, rec).UploadedChunks)

	// Unknown uploads cancel cleanly.
	rec = h.postJSON(t, "/cancel-upload", map[string]any{"uploadId": "never"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[CancelResponse](t, rec).Removed)
}

type failingCancelStore struct {
	*chunkstore.Store
}

func (failingCancelStore) Cancel(context.Context, string) (int, error) {
	return 0, &chunkstore.Error{Code: chunkstore.ErrCodeInternal, Message: "remove upload dir", Err: errors.New("device busy")}
}

func TestCancelUpload_QueuesCleanupOnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(s *chunkstore.Store) ChunkStore { return failingCancelStore{s} })

	rec := h.postJSON(t, "/cancel-upload", map[string]any{"uploadId": "up-4"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[CancelResponse](t, rec).Queued)

	tasks, err := h.queue.List(context.Background(), taskqueue.TaskFilter{Type: taskqueue.TaskTypeChunkCleanup})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	p, err := taskqueue.UnmarshalPayload[chunkstore.CleanupPayload](tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "up-4", p.UploadID)
}

// =============================================================================
// Jobs
// =============================================================================

func (h *harness) assemble(t *testing.T, uploadID string) {
	t.Helper()
	require.Equal(t, http.StatusOK, h.uploadChunk(t, uploadID, 0, 1, randomBytes(t, 100), "").Code)
	rec := h.postJSON(t, "/combine-chunks", map[string]any{"uploadId": uploadID, "fileName": "talk.mp4", "totalChunks": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProcess_DuplicateIsConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.assemble(t, "up-5")

	rec := h.postJSON(t, "/process", map[string]any{"fileId": "up-5", "fileName": "talk.mp4"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[JobStatus](t, rec)
	assert.Equal(t, "up-5", first.JobID)
	assert.Equal(t, types.JobProcessing, first.Status)

	h.jobs.Progress("up-5", 30, "Audio extracted")

	rec = h.postJSON(t, "/process", map[string]any{"fileId": "up-5", "fileName": "talk.mp4"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	dup := decode[JobStatus](t, rec)
	assert.Equal(t, types.JobProcessing, dup.Status)
	assert.Equal(t, 30, dup.Progress)
	assert.Equal(t, first.StartedAt.UnixNano(), dup.StartedAt.UnixNano())
	assert.NotEmpty(t, dup.Error)

	tasks, err := h.queue.List(context.Background(), taskqueue.TaskFilter{Type: taskqueue.TaskTypeTranscribe})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestProcess_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.postJSON(t, "/process", map[string]any{"fileId": "nothing-here", "fileName": "x.mp4"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.postJSON(t, "/process", map[string]any{"fileName": "x.mp4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.postJSON(t, "/process", map[string]any{"fileId": "../x", "fileName": "x.mp4"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.assemble(t, "up-6")
	require.Equal(t, http.StatusAccepted, h.postJSON(t, "/process", map[string]any{"fileId": "up-6", "fileName": "talk.mp4"}).Code)

	get := func() *httptest.ResponseRecorder {
		return h.do(t, httptest.NewRequest(http.MethodGet, "/status/up-6", nil))
	}
	del := func() *httptest.ResponseRecorder {
		return h.do(t, httptest.NewRequest(http.MethodDelete, "/status/up-6", nil))
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[JobStatus](t, rec)
	assert.Equal(t, types.JobProcessing, st.Status)
	assert.Nil(t, st.Files)

	assert.Equal(t, http.StatusConflict, del().Code)

	ctx := context.Background()
	require.NoError(t, h.outputs.Write(ctx, "up-6.txt", strings.NewReader("hello world"), 11))
	_, err := h.jobs.Complete("up-6", types.JobOutputs{TextFile: "up-6.txt", CaptionFile: "up-6.srt"}, 0, "Completed")
	require.NoError(t, err)

	rec = get()
	require.Equal(t, http.StatusOK, rec.Code)
	st = decode[JobStatus](t, rec)
	assert.Equal(t, types.JobCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.Files)
	assert.Equal(t, "up-6.txt", st.Files.TextFile)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/download/"+st.Files.TextFile, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "up-6.txt")

	assert.Equal(t, http.StatusNoContent, del().Code)
	assert.Equal(t, http.StatusNotFound, get().Code)
	assert.Equal(t, http.StatusNotFound, del().Code)

	// Outputs outlive the job record.
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/download/up-6.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDownload_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	tests := []struct {
		path   string
		status int
	}{
		{"/download/missing.srt", http.StatusNotFound},
		{"/download/..hidden", http.StatusBadRequest},
		{"/download/.env", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := h.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "text/plain; charset=utf-8", contentType("a.TXT"))
	assert.Equal(t, "application/x-subrip; charset=utf-8", contentType("a.srt"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}

// =============================================================================
// Routing and middleware
// =============================================================================

func TestRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusNotFound, h.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil)).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, httptest.NewRequest(http.MethodGet, "/process", nil)).Code)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "client-abc-123")
	rec = h.do(t, req)
	assert.Equal(t, "client-abc-123", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "bad id with spaces")
	rec = h.do(t, req)
	assert.NotEqual(t, "bad id with spaces", rec.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	handler := withRequestID(withAccessLog(withRecovery(panicky)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal", resp.Code)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.RequestID)

	// Nothing is appended once the handler has started its response.
	partial := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		panic("late")
	})
	rec = httptest.NewRecorder()
	withAccessLog(withRecovery(partial)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{badRequest("nope"), http.StatusBadRequest, "invalid_request"},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge, "chunk_too_large"},
		{fmt.Errorf("wrapped: %w", jobs.ErrAlreadyProcessing), http.StatusConflict, "already_processing"},
		{jobs.ErrNotTerminal, http.StatusConflict, "job_not_terminal"},
		{jobs.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: x.txt", backend.ErrNotFound), http.StatusNotFound, "not_found"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeInvalid}, http.StatusBadRequest, "invalid_request"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeMissingChunks}, http.StatusBadRequest, "missing_chunks"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeSizeMismatch}, http.StatusBadRequest, "size_mismatch"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeNotFound}, http.StatusNotFound, "not_found"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeTooLarge}, http.StatusRequestEntityTooLarge, "chunk_too_large"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeInsufficientStorage}, http.StatusInsufficientStorage, "insufficient_storage"},
		{&chunkstore.Error{Code: chunkstore.ErrCodeInternal}, http.StatusInternalServerError, "internal"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Options{})
	assert.Error(t, err)

	h := newHarness(t, nil)
	_, err = NewServer(Options{Store: h.store})
	assert.Error(t, err)
}
