// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// DefaultChunkSize is the client chunk size when none is configured.
const DefaultChunkSize int64 = 50 << 20

// UploadStatus is the client-side lifecycle of an upload session.
type UploadStatus string

const (
	UploadIdle      UploadStatus = "idle"
	UploadUploading UploadStatus = "uploading"
	UploadPaused    UploadStatus = "paused"
	UploadCombining UploadStatus = "combining"
	UploadCompleted UploadStatus = "completed"
	UploadCancelled UploadStatus = "cancelled"
	UploadFailed    UploadStatus = "failed"
)

// Terminal reports whether no further transitions happen without user action.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadCancelled
}

// UploadSession is a point-in-time copy of a client upload.
type UploadSession struct {
	UploadID       string       `json:"uploadId"`
	FileName       string       `json:"fileName"`
	FileSize       int64        `json:"fileSize"`
	ChunkSize      int64        `json:"chunkSize"`
	TotalChunks    int          `json:"totalChunks"`
	Status         UploadStatus `json:"status"`
	UploadedChunks []int        `json:"uploadedChunks"`
	RetryCount     map[int]int  `json:"retryCount,omitempty"`

	BytesSent     int64         `json:"bytesSent"`
	BytesPerSec   float64       `json:"bytesPerSec"`
	ETA           time.Duration `json:"eta"`
	LastError     string        `json:"lastError,omitempty"`
	AssembledPath string        `json:"assembledPath,omitempty"`
}

// Progress returns uploaded/total in [0,1].
func (s UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.UploadedChunks)) / float64(s.TotalChunks)
}

// TotalChunks returns ceil(fileSize/chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// ChunkRange returns the byte range [offset, offset+length) of chunk n.
func ChunkRange(n int, fileSize, chunkSize int64) (offset, length int64) {
	offset = int64(n) * chunkSize
	end := offset + chunkSize
	if end > fileSize {
		end = fileSize
	}
	if offset > fileSize {
		offset = fileSize
	}
	return offset, end - offset
}

// StoredChunk is one committed chunk file of an upload. Chunk files are never
// rewritten; they are removed only by combine or cancel.
type StoredChunk struct {
	UploadID    string `json:"uploadId"`
	ChunkNumber int    `json:"chunkNumber"`
	Size        int64  `json:"size"`
}

// AssembledMedia is the result of combining all chunks of an upload.
type AssembledMedia struct {
	Path string `json:"filePath"`
	Size int64  `json:"fileSize"`
}
