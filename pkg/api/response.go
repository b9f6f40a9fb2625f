// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
	"github.com/LeeDigitalWorks/zapscribe/pkg/jobs"
	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/storage/backend"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-Id"

type wrappedResponseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (w *wrappedResponseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *wrappedResponseRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *wrappedResponseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// MissingChunks is set when combine-chunks finds gaps.
	MissingChunks []int  `json:"missingChunks,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
}

// requestError is a client error detected by the handlers themselves.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, "invalid_request"
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, chunkstore.ErrCodeTooLarge.String()
	}

	switch {
	case errors.Is(err, jobs.ErrAlreadyProcessing):
		return http.StatusConflict, "already_processing"
	case errors.Is(err, jobs.ErrNotTerminal):
		return http.StatusConflict, "job_not_terminal"
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}

	var storeErr *chunkstore.Error
	if !errors.As(err, &storeErr) {
		return http.StatusInternalServerError, "internal"
	}
	code := storeErr.Code
	switch code {
	case chunkstore.ErrCodeInvalid, chunkstore.ErrCodeMissingChunks,
		chunkstore.ErrCodeChecksumMismatch, chunkstore.ErrCodeSizeMismatch:
		return http.StatusBadRequest, code.String()
	case chunkstore.ErrCodeNotFound:
		return http.StatusNotFound, code.String()
	case chunkstore.ErrCodeTooLarge:
		return http.StatusRequestEntityTooLarge, code.String()
	case chunkstore.ErrCodeInsufficientStorage:
		return http.StatusInsufficientStorage, code.String()
	default:
		return http.StatusInternalServerError, code.String()
	}
}

// writeError writes err as an ErrorResponse. Internal failures are logged and
// their details withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: r.Header.Get(RequestIDHeader),
	}

	var storeErr *chunkstore.Error
	if errors.As(err, &storeErr) {
		resp.Error = storeErr.Message
		resp.MissingChunks = storeErr.MissingChunks
	}

	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	} else {
		logger.Ctx(r.Context()).Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, resp, status)
}
