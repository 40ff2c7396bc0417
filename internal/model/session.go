package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a resumable upload session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionExpired   SessionStatus = "expired"
)

// PartRecord is one uploaded part of a multipart session. A part number is
// unique within its session; re-recording the same number replaces the record.
type PartRecord struct {
	PartNumber int       `json:"part_number"`
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// UploadSession tracks a resumable multipart upload across retried calls.
// Invariant: ChunkSize*(TotalParts-1) < TotalSize <= ChunkSize*TotalParts.
type UploadSession struct {
	UploadID        uuid.UUID     `json:"upload_id"`
	FileID          uuid.UUID     `json:"file_id"`
	StorageKey      string        `json:"storage_key"`
	StorageBucket   string        `json:"storage_bucket"`
	BackendUploadID string        `json:"backend_upload_id"` // the blob store's own multipart handle
	FileName        string        `json:"file_name"`
	MimeType        string        `json:"mime_type"`
	TotalSize       int64         `json:"total_size"`
	ChunkSize       int64         `json:"chunk_size"`
	TotalParts      int           `json:"total_parts"`
	UploadedParts   []PartRecord  `json:"uploaded_parts"`
	Status          SessionStatus `json:"status"`
	OwnerID         string        `json:"owner_id"`
	IsPublic        bool          `json:"is_public"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
