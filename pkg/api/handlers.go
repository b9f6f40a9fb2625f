// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

// === Request/Response types ===

type checkChunksRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
	FileSize    int64  `json:"fileSize"`
}

type combineChunksRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
}

// CombineResponse is returned by combine-chunks.
type CombineResponse struct {
	FileID   string `json:"fileId"`
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
}

type cancelUploadRequest struct {
	UploadID string `json:"uploadId"`
}

// CancelResponse is returned by cancel-upload.
type CancelResponse struct {
	UploadID string `json:"uploadId"`
	Removed  int    `json:"removed"`
	// Queued is set when removal failed and was handed to a background task.
	Queued bool `json:"queued,omitempty"`
}

type processRequest struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

// JobStatus is the public view of a transcription job.
type JobStatus struct {
	JobID          string            `json:"jobId"`
	FileName       string            `json:"fileName,omitempty"`
	Status         types.JobStatus   `json:"status"`
	Progress       int               `json:"progress"`
	Message        string            `json:"message"`
	Segments       int               `json:"segments,omitempty"`
	FailedSegments int               `json:"failedSegments,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Files          *types.JobOutputs `json:"files,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func jobStatus(job types.TranscriptionJob) JobStatus {
	return JobStatus{
		JobID:          job.JobID,
		FileName:       job.FileName,
		Status:         job.Status,
		Progress:       job.Progress,
		Message:        job.Message,
		Segments:       job.Segments,
		FailedSegments: job.Failed,
		StartedAt:      job.StartedAt,
		UpdatedAt:      job.UpdatedAt,
		Files:          job.Outputs,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// === Uploads ===

func (s *Server) checkChunks(w http.ResponseWriter, r *http.Request) {
	var req checkChunksRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.store.CheckExisting(r.Context(), req.UploadID, req.TotalChunks, req.FileSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

// uploadChunk streams the "chunk" part straight into the store. Text fields
// must precede it; fields after the chunk are ignored.
func (s *Server) uploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkSize+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, badRequest("invalid multipart body: %v", err))
		return
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, r, badRequest("missing chunk file"))
			return
		}
		if err != nil {
			writeError(w, r, multipartError(err))
			return
		}

		if part.FormName() != "chunk" {
			if len(fields) >= maxFormFields {
				part.Close()
				writeError(w, r, badRequest("too many form fields"))
				return
			}
			value, err := readField(part)
			part.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
			fields[part.FormName()] = value
			continue
		}

		res, err := s.storeChunkPart(r, fields, part)
		part.Close()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, res, http.StatusOK)
		return
	}
}

func (s *Server) storeChunkPart(r *http.Request, fields map[string]string, body io.Reader) (chunkstore.StoreResult, error) {
	chunkNumber, err := fieldInt(fields, "chunkNumber")
	if err != nil {
		return chunkstore.StoreResult{}, err
	}
	totalChunks, err := fieldInt(fields, "totalChunks")
	if err != nil {
		return chunkstore.StoreResult{}, err
	}
	size := int64(-1)
	if raw := fields["chunkSize"]; raw != "" {
		size, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || size < 0 {
			return chunkstore.StoreResult{}, badRequest("chunkSize must be a non-negative integer, got %q", raw)
		}
	}

	return s.store.StoreChunk(r.Context(), chunkstore.ChunkWrite{
		UploadID:    fields["uploadId"],
		ChunkNumber: chunkNumber,
		TotalChunks: totalChunks,
		FileName:    fields["fileName"],
		Checksum:    fields["checksum"],
		Size:        size,
		Body:        body,
	})
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", multipartError(err)
	}
	if len(b) > maxFieldSize {
		return "", badRequest("form field %s exceeds %d bytes", part.FormName(), maxFieldSize)
	}
	return string(b), nil
}

func multipartError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return badRequest("invalid multipart body: %v", err)
}

func fieldInt(fields map[string]string, name string) (int, error) {
	raw := fields[name]
	if raw == "" {
		return 0, badRequest("%s is required", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

func (s *Server) combineChunks(w http.ResponseWriter, r *http.Request) {
	var req combineChunksRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FileName == "" {
		writeError(w, r, badRequest("fileName is required"))
		return
	}

	media, err := s.store.Combine(r.Context(), req.UploadID, req.FileName, req.TotalChunks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, CombineResponse{
		FileID:   req.UploadID,
		FilePath: media.Path,
		FileSize: media.Size,
	}, http.StatusOK)
}

func (s *Server) cancelUpload(w http.ResponseWriter, r *http.Request) {
	var req cancelUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	removed, err := s.store.Cancel(r.Context(), req.UploadID)
	if err == nil {
		writeJSON(w, CancelResponse{UploadID: req.UploadID, Removed: removed}, http.StatusOK)
		return
	}
	if chunkstore.CodeOf(err) == chunkstore.ErrCodeInvalid {
		writeError(w, r, err)
		return
	}

	// Cancellation is best effort: hand the removal to a worker.
	task, terr := chunkstore.NewCleanupTask(req.UploadID, "cancel-upload")
	if terr == nil {
		terr = s.queue.Enqueue(r.Context(), task)
	}
	if terr != nil {
		writeError(w, r, errors.Join(err, terr))
		return
	}
	cleanupQueuedTotal.Inc()
	logger.Ctx(r.Context()).Warn().
		Err(err).
		Str("upload_id", req.UploadID).
		Str("task_id", task.ID).
		Msg("cancel-upload: removal failed, queued cleanup")
	writeJSON(w, CancelResponse{UploadID: req.UploadID, Queued: true}, http.StatusAccepted)
}

// === Jobs ===

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.FileID == "" {
		writeError(w, r, badRequest("fileId is required"))
		return
	}

	job, err := s.pipeline.Submit(r.Context(), req.FileID, req.FileName)
	if errors.Is(err, jobs.ErrAlreadyProcessing) {
		resp := jobStatus(job)
		resp.Error = "job is already processing"
		writeJSON(w, resp, http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, jobStatus(job), http.StatusAccepted)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Jobs.Get(r.PathValue("jobId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, jobStatus(job), http.StatusOK)
}

func (s *Server) clearStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Jobs.Clear(r.PathValue("jobId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	// Outputs are flat "<jobId>.<ext>" keys.
	if !utils.ValidID(name) {
		writeError(w, r, badRequest("invalid file name %q", name))
		return
	}
	key := name

	outputs := s.pipeline.Outputs
	rc, err := outputs.Read(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if size, err := outputs.Size(r.Context(), key); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := utils.CopyBuffered(w, rc); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Ctx(r.Context()).Warn().Err(err).Str("file", name).Msg("download interrupted")
	}
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".srt":
		return "application/x-subrip; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
