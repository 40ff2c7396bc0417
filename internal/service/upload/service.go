// Package upload manages resumable multipart upload sessions: sizing chunks,
// presigning part uploads, recording finished parts idempotently, and driving
// a session through completion or abort.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-pipeline/internal/model"
	"github.com/aliskhannn/media-pipeline/internal/repository/session"
	"github.com/aliskhannn/media-pipeline/internal/storage"
	"github.com/aliskhannn/media-pipeline/internal/storage/s3"
)

const (
	// MinChunkSize is the S3 floor for non-final multipart parts.
	MinChunkSize = 5 * 1024 * 1024
	// maxParts is the S3 ceiling on parts per multipart upload.
	maxParts = 10000
)

var (
	// ErrSessionNotActive means the session exists but has already been
	// completed, aborted or expired.
	ErrSessionNotActive = errors.New("upload session is not active")
	// ErrInvalidParts means completion was requested with a part set that is
	// not exactly 1..totalParts.
	ErrInvalidParts = errors.New("uploaded parts do not cover the full range")
	// ErrSessionNotFound mirrors the repository sentinel for callers that do
	// not import the repository package.
	ErrSessionNotFound = session.ErrSessionNotFound
)

// ValidationError reports a rejected init request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// sessionRepo persists upload sessions and their parts.
type sessionRepo interface {
	CreateSession(ctx context.Context, s model.UploadSession) error
	GetSession(ctx context.Context, uploadID uuid.UUID) (model.UploadSession, error)
	UpsertPart(ctx context.Context, uploadID uuid.UUID, p model.PartRecord) error
	Transition(ctx context.Context, uploadID uuid.UUID, from, to model.SessionStatus) error
	ListActiveOlderThan(ctx context.Context, age time.Duration) ([]model.UploadSession, error)
}

// fileRepo persists the durable file record created at completion.
type fileRepo interface {
	CreateFile(ctx context.Context, f model.FileRecord) error
}

// blobStorage is the multipart surface of the blob store.
type blobStorage interface {
	BeginMultipart(ctx context.Context, bucket, key, contentType string) (string, error)
	PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []s3.Part) (string, error)
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
}

// eventPublisher announces completed uploads to the processing side.
type eventPublisher interface {
	PublishFileUploaded(ctx context.Context, event model.FileUploadedEvent) error
}

// urlSigner builds the CDN-facing URL for a stored object.
type urlSigner interface {
	PublicURL(key string) string
}

// Config bounds what the service accepts and issues.
type Config struct {
	PublicBucket  string
	PrivateBucket string
	MaxChunkSize  int64         // upper clamp for computed chunk size
	MaxFileSize   int64         // largest accepted upload
	PresignTTL    time.Duration // lifetime of part upload URLs
	SessionTTL    time.Duration // active sessions older than this are expired
}

// Service is the upload session manager.
type Service struct {
	cfg      Config
	sessions sessionRepo
	files    fileRepo
	blobs    blobStorage
	events   eventPublisher
	signer   urlSigner
}

func NewService(cfg Config, sessions sessionRepo, files fileRepo, blobs blobStorage, events eventPublisher, signer urlSigner) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		files:    files,
		blobs:    blobs,
		events:   events,
		signer:   signer,
	}
}

// CalculateChunkSize picks the part size for a file: a tenth-of-a-percent of
// the total, clamped so the upload stays within the backend's 10000-part limit
// and above its 5 MiB part floor, and below the configured maximum.
func (s *Service) CalculateChunkSize(totalSize int64) int64 {
	chunk := (totalSize + maxParts - 1) / maxParts
	if chunk < MinChunkSize {
		chunk = MinChunkSize
	}
	if chunk > s.cfg.MaxChunkSize {
		chunk = s.cfg.MaxChunkSize
	}

	return chunk
}

// InitRequest describes a new upload.
type InitRequest struct {
	FileName string
	MimeType string
	Size     int64
	OwnerID  string
	IsPublic bool
}

// InitSession validates the request, opens a backend multipart handle and
// persists a new active session. The returned session carries the chunk size
// and part count the client must follow.
func (s *Service) InitSession(ctx context.Context, req InitRequest) (model.UploadSession, error) {
	if req.FileName == "" {
		return model.UploadSession{}, &ValidationError{Field: "file_name", Reason: "must not be empty"}
	}
	if req.MimeType == "" {
		return model.UploadSession{}, &ValidationError{Field: "mime_type", Reason: "must not be empty"}
	}
	if req.Size <= 0 {
		return model.UploadSession{}, &ValidationError{Field: "size", Reason: "must be positive"}
	}
	if req.Size > s.cfg.MaxFileSize {
		return model.UploadSession{}, &ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("exceeds the maximum of %d bytes", s.cfg.MaxFileSize),
		}
	}
	if req.OwnerID == "" {
		return model.UploadSession{}, &ValidationError{Field: "owner_id", Reason: "must not be empty"}
	}

	fileID := uuid.New()
	key := storage.OriginalKey(req.OwnerID, fileID.String(), storage.Ext(req.FileName))

	bucket := s.cfg.PrivateBucket
	if req.IsPublic {
		bucket = s.cfg.PublicBucket
	}

	backendID, err := s.blobs.BeginMultipart(ctx, bucket, key, req.MimeType)
	if err != nil {
		return model.UploadSession{}, fmt.Errorf("init: failed to begin multipart upload: %w", err)
	}

	chunkSize := s.CalculateChunkSize(req.Size)
	expiresAt := time.Now().Add(s.cfg.SessionTTL)

	sess := model.UploadSession{
		UploadID:        uuid.New(),
		FileID:          fileID,
		StorageKey:      key,
		StorageBucket:   bucket,
		BackendUploadID: backendID,
		FileName:        req.FileName,
		MimeType:        req.MimeType,
		TotalSize:       req.Size,
		ChunkSize:       chunkSize,
		TotalParts:      int((req.Size + chunkSize - 1) / chunkSize),
		Status:          model.SessionActive,
		OwnerID:         req.OwnerID,
		IsPublic:        req.IsPublic,
		ExpiresAt:       &expiresAt,
	}

	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		// The orphaned backend handle is collected by the expiry sweep.
		return model.UploadSession{}, fmt.Errorf("init: %w", err)
	}

	return sess, nil
}

// GetPartUploadTarget returns a presigned URL the client PUTs one part to.
func (s *Service) GetPartUploadTarget(ctx context.Context, uploadID uuid.UUID, partNumber int) (string, error) {
	sess, err := s.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return "", fmt.Errorf("part target: %w", err)
	}
	if sess.Status != model.SessionActive {
		return "", ErrSessionNotActive
	}
	if partNumber < 1 || partNumber > sess.TotalParts {
		return "", &ValidationError{
			Field:  "part_number",
			Reason: fmt.Sprintf("must be in [1, %d]", sess.TotalParts),
		}
	}

	u, err := s.blobs.PresignPart(ctx, sess.StorageBucket, sess.StorageKey, sess.BackendUploadID, partNumber, s.cfg.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("part target: %w", err)
	}

	return u, nil
}

// RecordPart stores the etag of a part the client finished uploading.
// Recording the same part number again replaces the previous record, so a
// retried chunk is harmless.
func (s *Service) RecordPart(ctx context.Context, uploadID uuid.UUID, part model.PartRecord) error {
	sess, err := s.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("record part: %w", err)
	}
	if sess.Status != model.SessionActive {
		return ErrSessionNotActive
	}
	if part.PartNumber < 1 || part.PartNumber > sess.TotalParts {
		return &ValidationError{
			Field:  "part_number",
			Reason: fmt.Sprintf("must be in [1, %d]", sess.TotalParts),
		}
	}
	if part.ETag == "" {
		return &ValidationError{Field: "etag", Reason: "must not be empty"}
	}
	if part.Size < 1 {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}

	if err := s.sessions.UpsertPart(ctx, uploadID, part); err != nil {
		return fmt.Errorf("record part: %w", err)
	}

	return nil
}

// Complete assembles the client-submitted parts into the final object,
// creates the pending file record and announces the upload to the processing
// side. The submitted manifest must cover exactly 1..totalParts and agree
// with the recorded parts.
func (s *Service) Complete(ctx context.Context, uploadID uuid.UUID, submitted []s3.Part) (model.FileRecord, error) {
	sess, err := s.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("complete: %w", err)
	}
	if sess.Status != model.SessionActive {
		return model.FileRecord{}, ErrSessionNotActive
	}

	parts, err := coveringParts(submitted, sess.UploadedParts, sess.TotalParts)
	if err != nil {
		return model.FileRecord{}, err
	}

	etag, err := s.blobs.CompleteMultipart(ctx, sess.StorageBucket, sess.StorageKey, sess.BackendUploadID, parts)
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("complete: failed to assemble parts: %w", err)
	}

	access := model.AccessPrivate
	if sess.IsPublic {
		access = model.AccessPublic
	}

	record := model.FileRecord{
		FileID:           sess.FileID,
		FileName:         sess.FileName,
		MimeType:         sess.MimeType,
		Size:             sess.TotalSize,
		StorageKey:       sess.StorageKey,
		StorageBucket:    sess.StorageBucket,
		ContentETag:      etag,
		PublicURL:        s.signer.PublicURL(sess.StorageKey),
		IsPublic:         sess.IsPublic,
		AccessLevel:      access,
		OwnerID:          sess.OwnerID,
		ProcessingStatus: model.ProcessingPending,
	}

	if err := s.files.CreateFile(ctx, record); err != nil {
		return model.FileRecord{}, fmt.Errorf("complete: %w", err)
	}

	if err := s.sessions.Transition(ctx, uploadID, model.SessionActive, model.SessionCompleted); err != nil {
		return model.FileRecord{}, fmt.Errorf("complete: %w", err)
	}

	// The event is best-effort: the reconciliation sweep picks up pending
	// files whose event was lost.
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		event := model.FileUploadedEvent{
			FileID:     sess.FileID,
			OwnerID:    sess.OwnerID,
			UploadedAt: time.Now(),
		}
		if err := s.events.PublishFileUploaded(pubCtx, event); err != nil {
			zlog.Logger.Error().Err(err).
				Str("file_id", sess.FileID.String()).
				Msg("failed to publish file uploaded event")
		}
	}()

	return record, nil
}

// coveringParts checks the client-submitted manifest against the recorded
// parts: it must be exactly 1..totalParts with no gaps or duplicates, and
// every etag must match what was recorded for that part number. The result is
// sorted ascending for the backend.
func coveringParts(submitted []s3.Part, recorded []model.PartRecord, totalParts int) ([]s3.Part, error) {
	if len(submitted) != totalParts {
		return nil, fmt.Errorf("%w: submitted %d of %d parts", ErrInvalidParts, len(submitted), totalParts)
	}

	etags := make(map[int]string, len(recorded))
	for _, p := range recorded {
		etags[p.PartNumber] = p.ETag
	}

	seen := make(map[int]bool, len(submitted))
	parts := make([]s3.Part, 0, len(submitted))
	for _, p := range submitted {
		if p.PartNumber < 1 || p.PartNumber > totalParts || seen[p.PartNumber] {
			return nil, fmt.Errorf("%w: bad part number %d", ErrInvalidParts, p.PartNumber)
		}
		seen[p.PartNumber] = true

		etag, ok := etags[p.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was never recorded", ErrInvalidParts, p.PartNumber)
		}
		if etag != p.ETag {
			return nil, fmt.Errorf("%w: etag mismatch for part %d", ErrInvalidParts, p.PartNumber)
		}

		parts = append(parts, p)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	return parts, nil
}

// Abort cancels an active session and discards its backend parts. Aborting an
// already aborted or expired session is a no-op; aborting a completed one is
// an error.
func (s *Service) Abort(ctx context.Context, uploadID uuid.UUID) error {
	sess, err := s.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}

	switch sess.Status {
	case model.SessionCompleted:
		return ErrSessionNotActive
	case model.SessionAborted, model.SessionExpired:
		return nil
	}

	// Best-effort: the backend reaps unreferenced multipart handles on its
	// own schedule, so a failure here only delays cleanup.
	if err := s.blobs.AbortMultipart(ctx, sess.StorageBucket, sess.StorageKey, sess.BackendUploadID); err != nil {
		zlog.Logger.Warn().Err(err).
			Str("upload_id", uploadID.String()).
			Msg("failed to abort backend multipart upload")
	}

	if err := s.sessions.Transition(ctx, uploadID, model.SessionActive, model.SessionAborted); err != nil {
		return fmt.Errorf("abort: %w", err)
	}

	return nil
}

// Status returns the current session state including recorded parts.
func (s *Service) Status(ctx context.Context, uploadID uuid.UUID) (model.UploadSession, error) {
	sess, err := s.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return model.UploadSession{}, fmt.Errorf("status: %w", err)
	}

	return sess, nil
}

// CleanupExpired expires active sessions older than the session TTL, aborting
// their backend uploads best-effort. It returns how many sessions it expired.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	stale, err := s.sessions.ListActiveOlderThan(ctx, s.cfg.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	var expired int
	for _, sess := range stale {
		if err := s.blobs.AbortMultipart(ctx, sess.StorageBucket, sess.StorageKey, sess.BackendUploadID); err != nil {
			zlog.Logger.Warn().Err(err).
				Str("upload_id", sess.UploadID.String()).
				Msg("failed to abort backend multipart upload during cleanup")
		}

		if err := s.sessions.Transition(ctx, sess.UploadID, model.SessionActive, model.SessionExpired); err != nil {
			// Lost the race with a concurrent complete or abort.
			continue
		}
		expired++
	}

	return expired, nil
}
