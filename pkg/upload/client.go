// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/api"
	"github.com/LeeDigitalWorks/zapscribe/pkg/chunkstore"
)

// DefaultTimeout bounds a single request, including a full chunk body.
const DefaultTimeout = 10 * time.Minute

// CodeChecksumMismatch is the error code of a chunk whose body did not match
// the checksum sent with it.
const CodeChecksumMismatch = "checksum_mismatch"

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// MissingChunks is set when combine-chunks found gaps.
	MissingChunks []int
	RequestID     string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
// Client errors are final except timeouts, throttling and a chunk corrupted
// in transit. A full disk is final too.
func (e *HTTPError) Retryable() bool {
	if e.Code == CodeChecksumMismatch {
		return true
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	case http.StatusInsufficientStorage, http.StatusNotImplemented:
		return false
	}
	return e.StatusCode >= 500
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil. 0 means DefaultTimeout.
	Timeout   time.Duration
	UserAgent string
}

// Client speaks the server's upload and job protocol.
type Client struct {
	base      string
	http      *http.Client
	userAgent string
}

// NewClient returns a client for the server at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server url must be an absolute http(s) url, got %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "zapscribe-upload/1.0"
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		http:      hc,
		userAgent: cfg.UserAgent,
	}, nil
}

// ChunkUpload is one upload-chunk request. Body must yield exactly Size bytes.
type ChunkUpload struct {
	UploadID    string
	ChunkNumber int
	TotalChunks int
	FileName    string
	FileType    string
	// Checksum is the hex SHA-256 of the body, or empty to skip verification.
	Checksum string
	Body     io.Reader
	Size     int64
}

// CheckChunks asks which chunks of uploadID the server already has.
func (c *Client) CheckChunks(ctx context.Context, uploadID string, totalChunks int, fileSize int64) (chunkstore.CheckResult, error) {
	var res chunkstore.CheckResult
	err := c.postJSON(ctx, "/check-chunks", map[string]any{
		"uploadId":    uploadID,
		"totalChunks": totalChunks,
		"fileSize":    fileSize,
	}, &res)
	return res, err
}

// UploadChunk streams one chunk as a multipart form with a known length.
func (c *Client) UploadChunk(ctx context.Context, u ChunkUpload) (chunkstore.StoreResult, error) {
	var res chunkstore.StoreResult

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"uploadId", u.UploadID},
		{"chunkNumber", strconv.Itoa(u.ChunkNumber)},
		{"totalChunks", strconv.Itoa(u.TotalChunks)},
		{"chunkSize", strconv.FormatInt(u.Size, 10)},
		{"fileName", u.FileName},
		{"fileType", u.FileType},
	}
	if u.Checksum != "" {
		fields = append(fields, [2]string{"checksum", u.Checksum})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return res, err
		}
	}
	if _, err := mw.CreateFormFile("chunk", "blob"); err != nil {
		return res, err
	}
	head := bytes.Clone(buf.Bytes())
	buf.Reset()
	if err := mw.Close(); err != nil {
		return res, err
	}
	tail := buf.Bytes()

	body := io.MultiReader(bytes.NewReader(head), io.LimitReader(u.Body, u.Size), bytes.NewReader(tail))
	req, err := c.newRequest(ctx, http.MethodPost, "/upload-chunk", body)
	if err != nil {
		return res, err
	}
	req.ContentLength = int64(len(head)) + u.Size + int64(len(tail))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	err = c.send(req, &res)
	return res, err
}

// CombineChunks asks the server to assemble uploadID.
func (c *Client) CombineChunks(ctx context.Context, uploadID, fileName string, totalChunks int) (api.CombineResponse, error) {
	var res api.CombineResponse
	err := c.postJSON(ctx, "/combine-chunks", map[string]any{
		"uploadId":    uploadID,
		"fileName":    fileName,
		"totalChunks": totalChunks,
	}, &res)
	return res, err
}

// CancelUpload asks the server to discard the chunks of uploadID.
func (c *Client) CancelUpload(ctx context.Context, uploadID string) (api.CancelResponse, error) {
	var res api.CancelResponse
	err := c.postJSON(ctx, "/cancel-upload", map[string]any{"uploadId": uploadID}, &res)
	return res, err
}

// Process starts transcription of an assembled upload. A job that is already
// running is returned together with a 409 *HTTPError.
func (c *Client) Process(ctx context.Context, fileID, fileName string) (api.JobStatus, error) {
	var job api.JobStatus
	data, err := json.Marshal(map[string]string{"fileId": fileID, "fileName": fileName})
	if err != nil {
		return job, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/process", bytes.NewReader(data))
	if err != nil {
		return job, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return job, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return job, fmt.Errorf("decode response: %w", err)
		}
		return job, &HTTPError{StatusCode: resp.StatusCode, Code: "already_processing", Message: job.Error}
	}
	return job, decodeResponse(resp, &job)
}

// Status fetches a job.
func (c *Client) Status(ctx context.Context, jobID string) (api.JobStatus, error) {
	var job api.JobStatus
	req, err := c.newRequest(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return job, err
	}
	err = c.send(req, &job)
	return job, err
}

// ClearStatus removes a finished job from the server.
func (c *Client) ClearStatus(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	return c.send(req, nil)
}

// Download streams an output file into w.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/download/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeResponse(resp, nil)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get(api.RequestIDHeader)}
		var body api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, &body); err == nil {
			httpErr.Code = body.Code
			httpErr.Message = body.Error
			httpErr.MissingChunks = body.MissingChunks
		} else {
			httpErr.Message = strings.TrimSpace(string(data))
		}
		return httpErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsRetryable classifies an upload failure. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	// Transport failures, resets and timeouts.
	return true
}
