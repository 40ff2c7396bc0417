package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the async processing state of a completed upload.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// AccessLevel controls who may read a file through the CDN.
type AccessLevel string

const (
	AccessPublic  AccessLevel = "public"
	AccessPrivate AccessLevel = "private"
)

// FileMetadata holds the dimensions extracted during processing.
// Richer metadata (EXIF and friends) lives in the cache, keyed by file id.
type FileMetadata struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// FileRecord is the durable object created when an upload session completes.
// Only the processing orchestrator mutates it afterwards; read paths never do.
type FileRecord struct {
	FileID           uuid.UUID        `json:"file_id"`
	FileName         string           `json:"file_name"`
	MimeType         string           `json:"mime_type"`
	Size             int64            `json:"size"`
	StorageKey       string           `json:"storage_key"`
	StorageBucket    string           `json:"storage_bucket"`
	ContentETag      string           `json:"content_etag"`
	PublicURL        string           `json:"public_url"`
	ThumbnailURL     string           `json:"thumbnail_url,omitempty"`
	IsPublic         bool             `json:"is_public"`
	AccessLevel      AccessLevel      `json:"access_level"`
	OwnerID          string           `json:"owner_id"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	Metadata         FileMetadata     `json:"metadata"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ProcessingError  string           `json:"processing_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
