package session

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

var (
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrWrongStatus means the session was not in the expected status for a
	// transition. The caller decides whether that is a conflict or a no-op.
	ErrWrongStatus = errors.New("upload session is not in the expected status")
)

type Repository struct {
	db *dbpg.DB
}

func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateSession(ctx context.Context, s model.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (
			upload_id, file_id, storage_key, storage_bucket, backend_upload_id,
			file_name, mime_type, total_size, chunk_size, total_parts,
			status, owner_id, is_public, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(
		ctx, query, s.UploadID, s.FileID, s.StorageKey, s.StorageBucket, s.BackendUploadID,
		s.FileName, s.MimeType, s.TotalSize, s.ChunkSize, s.TotalParts,
		s.Status, s.OwnerID, s.IsPublic, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create: failed to save upload session: %w", err)
	}

	return nil
}

func (r *Repository) GetSession(ctx context.Context, uploadID uuid.UUID) (model.UploadSession, error) {
	query := `
		SELECT file_id, storage_key, storage_bucket, backend_upload_id,
		       file_name, mime_type, total_size, chunk_size, total_parts,
		       status, owner_id, is_public, expires_at, created_at
		FROM upload_sessions
		WHERE upload_id = $1
	`

	var s model.UploadSession
	s.UploadID = uploadID
	err := r.db.Master.QueryRowContext(ctx, query, uploadID).Scan(
		&s.FileID, &s.StorageKey, &s.StorageBucket, &s.BackendUploadID,
		&s.FileName, &s.MimeType, &s.TotalSize, &s.ChunkSize, &s.TotalParts,
		&s.Status, &s.OwnerID, &s.IsPublic, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UploadSession{}, ErrSessionNotFound
		}

		return model.UploadSession{}, fmt.Errorf("get: failed to get upload session: %w", err)
	}

	parts, err := r.getParts(ctx, uploadID)
	if err != nil {
		return model.UploadSession{}, err
	}
	s.UploadedParts = parts

	return s, nil
}

func (r *Repository) getParts(ctx context.Context, uploadID uuid.UUID) ([]model.PartRecord, error) {
	query := `
		SELECT part_number, etag, size, uploaded_at
		FROM upload_parts
		WHERE upload_id = $1
		ORDER BY part_number
	`

	rows, err := r.db.Master.QueryContext(ctx, query, uploadID)
	if err != nil {
		return nil, fmt.Errorf("get: failed to list uploaded parts: %w", err)
	}
	defer rows.Close()

	var parts []model.PartRecord
	for rows.Next() {
		var p model.PartRecord
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.Size, &p.UploadedAt); err != nil {
			return nil, fmt.Errorf("get: failed to scan uploaded part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get: failed to iterate uploaded parts: %w", err)
	}

	return parts, nil
}

// UpsertPart records a finished part. Re-recording the same part number
// overwrites the previous etag and size, so client retries of a chunk are
// idempotent.
func (r *Repository) UpsertPart(ctx context.Context, uploadID uuid.UUID, p model.PartRecord) error {
	query := `
		INSERT INTO upload_parts (upload_id, part_number, etag, size, uploaded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (upload_id, part_number)
		DO UPDATE SET etag = EXCLUDED.etag, size = EXCLUDED.size, uploaded_at = now()
	`

	if _, err := r.db.ExecContext(ctx, query, uploadID, p.PartNumber, p.ETag, p.Size); err != nil {
		return fmt.Errorf("upsert part: failed to save part %d: %w", p.PartNumber, err)
	}

	return nil
}

// Transition moves a session from one status to another. It fails with
// ErrWrongStatus when the session exists but is in a different status, which
// makes completion and abort race-safe under concurrent requests.
func (r *Repository) Transition(ctx context.Context, uploadID uuid.UUID, from, to model.SessionStatus) error {
	query := `
		UPDATE upload_sessions
		SET status = $3
		WHERE upload_id = $1 AND status = $2
	`

	res, err := r.db.ExecContext(ctx, query, uploadID, from, to)
	if err != nil {
		return fmt.Errorf("transition: failed to update session status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		if _, err := r.GetSession(ctx, uploadID); errors.Is(err, ErrSessionNotFound) {
			return ErrSessionNotFound
		}

		return ErrWrongStatus
	}

	return nil
}

// ListActiveOlderThan returns active sessions created more than age ago. Used
// by the expiry sweep.
func (r *Repository) ListActiveOlderThan(ctx context.Context, age time.Duration) ([]model.UploadSession, error) {
	query := `
		SELECT upload_id, file_id, storage_key, storage_bucket, backend_upload_id,
		       file_name, mime_type, total_size, chunk_size, total_parts,
		       status, owner_id, is_public, expires_at, created_at
		FROM upload_sessions
		WHERE status = $1 AND created_at < $2
	`

	rows, err := r.db.Master.QueryContext(ctx, query, model.SessionActive, time.Now().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("list active: failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.UploadSession
	for rows.Next() {
		var s model.UploadSession
		err := rows.Scan(
			&s.UploadID, &s.FileID, &s.StorageKey, &s.StorageBucket, &s.BackendUploadID,
			&s.FileName, &s.MimeType, &s.TotalSize, &s.ChunkSize, &s.TotalParts,
			&s.Status, &s.OwnerID, &s.IsPublic, &s.ExpiresAt, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list active: failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active: failed to iterate sessions: %w", err)
	}

	return sessions, nil
}
