package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType names a job-queue handler.
type TaskType string

const (
	TaskProcessFile TaskType = "process-file"
	TaskTransform   TaskType = "transform"
	TaskThumbnail   TaskType = "thumbnail"
)

// TaskPriority orders jobs within the queue. Lower value is served first.
type TaskPriority int

const (
	PriorityCritical TaskPriority = 1
	PriorityHigh     TaskPriority = 2
	PriorityNormal   TaskPriority = 3
	PriorityLow      TaskPriority = 4
)

// TaskStatus is the externally visible state of a queued job.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TransformTask is a queued job: the payload is task-type specific.
type TransformTask struct {
	Type     TaskType        `json:"type"`
	Priority TaskPriority    `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// ProcessFilePayload is the payload of a process-file task.
type ProcessFilePayload struct {
	FileID uuid.UUID `json:"file_id"`
}

// TaskResult is the on-demand view of a job's run state.
type TaskResult struct {
	TaskID      string      `json:"task_id"`
	Status      TaskStatus  `json:"status"`
	Progress    int         `json:"progress"`
	Results     interface{} `json:"results,omitempty"`
	Error       string      `json:"error,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// FileUploadedEvent is published to Kafka when an upload session completes.
// Workers consume it and submit a process-file job to the local queue.
type FileUploadedEvent struct {
	FileID     uuid.UUID `json:"file_id"`
	OwnerID    string    `json:"owner_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}
