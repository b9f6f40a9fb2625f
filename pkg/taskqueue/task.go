// Package taskqueue provides a durable task queue for background processing.
//
// Supported backends:
//   - Database (MySQL or PostgreSQL) for deployments with more than one server
//   - In-memory for single node setups and tests
//
// Task types:
//   - transcribe: runs the transcription pipeline for one upload
//   - chunk_cleanup: removes the staging area of an abandoned or cancelled upload
//   - job_event: delivers a job lifecycle event to the configured publishers
package taskqueue

import (
	"encoding/json"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

// Default configuration values
const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 2
	DefaultVisibilityTimeout = 10 * time.Minute
	DefaultMaxRetries        = 3
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeTranscribe   TaskType = "transcribe"
	TaskTypeChunkCleanup TaskType = "chunk_cleanup"
	TaskTypeJobEvent     TaskType = "job_event"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled by user/system
)

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
)

// Task represents a unit of work to be processed.
type Task struct {
	ID       string       `json:"id" db:"id"`
	Type     TaskType     `json:"type" db:"type"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload" db:"payload"`

	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Attempts   int       `json:"attempts" db:"attempts"`
	MaxRetries int       `json:"max_retries" db:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty" db:"retry_after"`

	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
}

// NewTask builds a pending task of type t carrying payload as JSON.
func NewTask(t TaskType, payload any) (*Task, error) {
	data, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		Type:       t,
		Priority:   PriorityNormal,
		Payload:    data,
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`

	// Pending tasks by type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// retryDelay is the wait before attempt n+1 of a failed task.
func retryDelay(attempts int) time.Duration {
	return utils.Backoff(time.Second, 5*time.Minute, attempts)
}
