// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the chunk store and the transcription pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/pipeline"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

const (
	// maxJSONBody bounds the control endpoints' request bodies.
	maxJSONBody = 1 << 20
	// multipartOverhead is allowed on top of the chunk limit for form fields and boundaries.
	multipartOverhead = 1 << 20
	// maxFieldSize bounds one text field of an upload-chunk form.
	maxFieldSize = 4 << 10
	// maxFormFields bounds the number of text fields before the chunk part.
	maxFormFields = 32
)

// ChunkStore is the part of *chunkstore.Store the upload endpoints use.
type ChunkStore interface {
	CheckExisting(ctx context.Context, uploadID string, totalChunks int, fileSize int64) (chunkstore.CheckResult, error)
	StoreChunk(ctx context.Context, w chunkstore.ChunkWrite) (chunkstore.StoreResult, error)
	Combine(ctx context.Context, uploadID, fileName string, totalChunks int) (types.AssembledMedia, error)
	Cancel(ctx context.Context, uploadID string) (int, error)
}

// Options are the collaborators of a Server.
type Options struct {
	Store ChunkStore
	// MaxChunkSize bounds upload-chunk bodies. 0 means chunkstore.DefaultMaxChunkSize.
	MaxChunkSize int64
	Pipeline     *pipeline.Orchestrator
	// Queue receives chunk_cleanup tasks when cancel-upload cannot remove chunks inline.
	// Defaults to the pipeline's queue.
	Queue taskqueue.Queue
}

// Server is the HTTP front end.
type Server struct {
	store    ChunkStore
	pipeline *pipeline.Orchestrator
	queue    taskqueue.Queue

	maxChunkSize int64

	mux     *http.ServeMux
	handler http.Handler
}

// NewServer builds the routes and middleware chain.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("api: chunk store is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("api: pipeline is required")
	}
	if opts.Queue == nil {
		opts.Queue = opts.Pipeline.Queue
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = chunkstore.DefaultMaxChunkSize
	}

	s := &Server{
		store:        opts.Store,
		pipeline:     opts.Pipeline,
		queue:        opts.Queue,
		maxChunkSize: opts.MaxChunkSize,
		mux:          http.NewServeMux(),
	}
	s.registerRoutes()
	s.handler = withRequestID(withAccessLog(withRecovery(s.mux)))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	// Uploads
	s.mux.HandleFunc("POST /check-chunks", s.checkChunks)
	s.mux.HandleFunc("POST /upload-chunk", s.uploadChunk)
	s.mux.HandleFunc("POST /combine-chunks", s.combineChunks)
	s.mux.HandleFunc("POST /cancel-upload", s.cancelUpload)

	// Jobs
	s.mux.HandleFunc("POST /process", s.process)
	s.mux.HandleFunc("GET /status/{jobId}", s.getStatus)
	s.mux.HandleFunc("DELETE /status/{jobId}", s.clearStatus)
	s.mux.HandleFunc("GET /download/{filename}", s.download)

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": "healthy",
			"jobs":   s.pipeline.Jobs.Active(),
		}, http.StatusOK)
	})
}
