package chunkstore

import (
	"context"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"
)

// CleanupPayload is the payload of a chunk_cleanup task.
type CleanupPayload struct {
	UploadID string `json:"uploadId"`
	Reason   string `json:"reason,omitempty"`
}

// NewCleanupTask builds a task that discards the staging area of uploadID.
func NewCleanupTask(uploadID, reason string) (*taskqueue.Task, error) {
	return taskqueue.NewTask(taskqueue.TaskTypeChunkCleanup, CleanupPayload{UploadID: uploadID, Reason: reason})
}

// CleanupHandler removes staged chunks in the background.
type CleanupHandler struct {
	store *Store
}

// NewCleanupHandler returns a taskqueue handler backed by s.
func NewCleanupHandler(s *Store) *CleanupHandler {
	return &CleanupHandler{store: s}
}

func (h *CleanupHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeChunkCleanup
}

func (h *CleanupHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	p, err := taskqueue.UnmarshalPayload[CleanupPayload](task.Payload)
	if err != nil {
		return taskqueue.Permanent(taskqueue.ErrInvalidPayload)
	}

	removed, err := h.store.Cancel(ctx, p.UploadID)
	if err != nil {
		if CodeOf(err) == ErrCodeInvalid {
			return taskqueue.Permanent(err)
		}
		return err
	}
	logger.Debug().
		Str("upload_id", p.UploadID).
		Str("reason", p.Reason).
		Int("removed", removed).
		Msg("chunkstore: cleanup task done")
	return nil
}
