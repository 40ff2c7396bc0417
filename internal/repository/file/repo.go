package file

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/media-pipeline/internal/model"
)

var ErrFileNotFound = errors.New("file not found")

type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateFile(ctx context.Context, f model.FileRecord) error {
	query := `
		INSERT INTO files (
			file_id, file_name, mime_type, size, storage_key, storage_bucket,
			content_etag, public_url, is_public, access_level, owner_id,
			expires_at, processing_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(
		ctx, query, f.FileID, f.FileName, f.MimeType, f.Size, f.StorageKey, f.StorageBucket,
		f.ContentETag, f.PublicURL, f.IsPublic, f.AccessLevel, f.OwnerID,
		f.ExpiresAt, f.ProcessingStatus,
	)
	if err != nil {
		return fmt.Errorf("create: failed to save file record: %w", err)
	}

	return nil
}

func (r *Repository) GetFile(ctx context.Context, fileID uuid.UUID) (model.FileRecord, error) {
	query := `
		SELECT file_name, mime_type, size, storage_key, storage_bucket,
		       content_etag, public_url, thumbnail_url, is_public, access_level,
		       owner_id, expires_at, width, height,
		       processing_status, processing_error, created_at, updated_at
		FROM files
		WHERE file_id = $1
	`

	var f model.FileRecord
	f.FileID = fileID

	var thumbnailURL, processingError sql.NullString
	var width, height sql.NullInt64

	err := r.db.Master.QueryRowContext(ctx, query, fileID).Scan(
		&f.FileName, &f.MimeType, &f.Size, &f.StorageKey, &f.StorageBucket,
		&f.ContentETag, &f.PublicURL, &thumbnailURL, &f.IsPublic, &f.AccessLevel,
		&f.OwnerID, &f.ExpiresAt, &width, &height,
		&f.ProcessingStatus, &processingError, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FileRecord{}, ErrFileNotFound
		}

		return model.FileRecord{}, fmt.Errorf("get: failed to get file record: %w", err)
	}

	f.ThumbnailURL = thumbnailURL.String
	f.ProcessingError = processingError.String
	f.Metadata.Width = int(width.Int64)
	f.Metadata.Height = int(height.Int64)

	return f, nil
}

// UpdateStatus moves a file record through its processing lifecycle.
// processingError is stored only for the failed status and cleared otherwise.
func (r *Repository) UpdateStatus(ctx context.Context, fileID uuid.UUID, status model.ProcessingStatus, processingError string) error {
	query := `
		UPDATE files
		SET processing_status = $2, processing_error = NULLIF($3, ''), updated_at = now()
		WHERE file_id = $1
	`

	res, err := r.db.ExecContext(ctx, query, fileID, status, processingError)
	if err != nil {
		return fmt.Errorf("update status: failed to update file record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrFileNotFound
	}

	return nil
}

// SetProcessed records the processing outcome: dimensions, the chosen
// thumbnail URL and the completed status, in one statement.
func (r *Repository) SetProcessed(ctx context.Context, fileID uuid.UUID, meta model.FileMetadata, thumbnailURL string) error {
	query := `
		UPDATE files
		SET processing_status = $2, processing_error = NULL,
		    width = $3, height = $4, thumbnail_url = NULLIF($5, ''), updated_at = now()
		WHERE file_id = $1
	`

	res, err := r.db.ExecContext(ctx, query, fileID, model.ProcessingCompleted, meta.Width, meta.Height, thumbnailURL)
	if err != nil {
		return fmt.Errorf("set processed: failed to update file record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set processed: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrFileNotFound
	}

	return nil
}

// ListPendingOlderThan returns files still pending more than age after
// creation. The reconciliation sweep re-enqueues them.
func (r *Repository) ListPendingOlderThan(ctx context.Context, age time.Duration) ([]model.FileRecord, error) {
	query := `
		SELECT file_id, owner_id, created_at
		FROM files
		WHERE processing_status = $1 AND created_at < $2
	`

	rows, err := r.db.Master.QueryContext(ctx, query, model.ProcessingPending, time.Now().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("list pending: failed to query file records: %w", err)
	}
	defer rows.Close()

	var files []model.FileRecord
	for rows.Next() {
		var f model.FileRecord
		if err := rows.Scan(&f.FileID, &f.OwnerID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("list pending: failed to scan file record: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: failed to iterate file records: %w", err)
	}

	return files, nil
}
