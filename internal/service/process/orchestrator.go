// Package process drives the asynchronous side of the pipeline: processing
// freshly uploaded files (validation, metadata, thumbnails), serving on-demand
// transforms through the cache, and reconciling files whose upload event was
// lost.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-pipeline/internal/cache"
	"github.com/aliskhannn/media-pipeline/internal/model"
	"github.com/aliskhannn/media-pipeline/internal/queue"
	"github.com/aliskhannn/media-pipeline/internal/repository/file"
	"github.com/aliskhannn/media-pipeline/internal/storage"
	"github.com/aliskhannn/media-pipeline/internal/transform"
)

// ErrFileNotFound mirrors the repository sentinel for callers that do not
// import the repository package.
var ErrFileNotFound = file.ErrFileNotFound

// errValidation marks failures that retrying cannot fix. The job queue still
// sees an error, but the file record carries the reason.
var errValidation = errors.New("validation failed")

// fileRepo is the durable file record store.
type fileRepo interface {
	GetFile(ctx context.Context, fileID uuid.UUID) (model.FileRecord, error)
	UpdateStatus(ctx context.Context, fileID uuid.UUID, status model.ProcessingStatus, processingError string) error
	SetProcessed(ctx context.Context, fileID uuid.UUID, meta model.FileMetadata, thumbnailURL string) error
	ListPendingOlderThan(ctx context.Context, age time.Duration) ([]model.FileRecord, error)
}

// blobStorage is the plain object surface of the blob store.
type blobStorage interface {
	Download(ctx context.Context, bucket, key string, maxBytes int64) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

// resultCache memoizes resolved URLs and metadata.
type resultCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetWithJitter(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	MarkNotFound(ctx context.Context, key string) error
	IsNotFound(ctx context.Context, key string) bool
}

// imageEngine is the stateless transform core.
type imageEngine interface {
	Process(input []byte, p transform.Params) ([]byte, error)
	GenerateThumbnails(input []byte, variants []transform.ThumbnailVariant) []transform.ThumbnailResult
	ExtractMetadata(input []byte) (transform.Metadata, error)
}

// urlSigner builds CDN-facing URLs for stored objects.
type urlSigner interface {
	PublicURL(key string) string
}

// jobSubmitter enqueues work on the local job queue.
type jobSubmitter interface {
	Add(task model.TransformTask) (string, error)
}

// Config bounds the orchestrator's work.
type Config struct {
	MaxDownloadBytes int64
	ReconcileAge     time.Duration // pending files older than this are re-enqueued
}

// thumbnailLadder is the fixed set of derivatives generated for every image.
// The medium variant's URL becomes the record's thumbnail URL.
var thumbnailLadder = []transform.ThumbnailVariant{
	{Name: "small", Width: 150, Height: 150, Fit: transform.FitCover, Format: transform.FormatWebP},
	{Name: "medium", Width: 500, Height: 500, Fit: transform.FitContain, Format: transform.FormatWebP},
	{Name: "large", Width: 1200, Height: 1200, Fit: transform.FitInside, Format: transform.FormatWebP},
}

// Orchestrator owns file processing and the cached transform read path.
type Orchestrator struct {
	cfg    Config
	files  fileRepo
	blobs  blobStorage
	cache  resultCache
	engine imageEngine
	signer urlSigner
	jobs   jobSubmitter
}

func NewOrchestrator(cfg Config, files fileRepo, blobs blobStorage, c resultCache, engine imageEngine, signer urlSigner, jobs jobSubmitter) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		files:  files,
		blobs:  blobs,
		cache:  c,
		engine: engine,
		signer: signer,
		jobs:   jobs,
	}
}

// Register binds the orchestrator's handlers to their task types.
func (o *Orchestrator) Register(q *queue.Queue) {
	q.Register(model.TaskProcessFile, o.HandleProcessFile)
	q.Register(model.TaskTransform, o.HandleTransform)
	q.Register(model.TaskThumbnail, o.HandleThumbnail)
}

// HandleProcessFile is the process-file job handler: it validates the stored
// object against its declared type, extracts metadata, generates the
// thumbnail ladder and marks the record completed. Non-image files complete
// immediately. Any error marks the record failed and is returned so the queue
// applies its retry policy.
func (o *Orchestrator) HandleProcessFile(ctx context.Context, job *queue.Job) (interface{}, error) {
	var payload model.ProcessFilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("process file: failed to decode payload: %w", err)
	}

	record, err := o.files.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, fmt.Errorf("process file: %w", err)
	}
	if record.ProcessingStatus == model.ProcessingCompleted {
		return nil, nil
	}

	if err := o.files.UpdateStatus(ctx, record.FileID, model.ProcessingRunning, ""); err != nil {
		return nil, fmt.Errorf("process file: %w", err)
	}
	job.SetProgress(10)

	result, err := o.processFile(ctx, job, record)
	if err != nil {
		if statusErr := o.files.UpdateStatus(ctx, record.FileID, model.ProcessingFailed, err.Error()); statusErr != nil {
			zlog.Logger.Error().Err(statusErr).
				Str("file_id", record.FileID.String()).
				Msg("failed to record processing failure")
		}

		return nil, err
	}

	return result, nil
}

func (o *Orchestrator) processFile(ctx context.Context, job *queue.Job, record model.FileRecord) (interface{}, error) {
	// Only images go through the transform pipeline. Everything else is done
	// the moment the upload landed.
	if !strings.HasPrefix(record.MimeType, "image/") {
		if err := o.files.UpdateStatus(ctx, record.FileID, model.ProcessingCompleted, ""); err != nil {
			return nil, fmt.Errorf("process file: %w", err)
		}

		return map[string]string{"skipped": "not an image"}, nil
	}

	data, err := o.blobs.Download(ctx, record.StorageBucket, record.StorageKey, o.cfg.MaxDownloadBytes)
	if err != nil {
		return nil, fmt.Errorf("process file: failed to download original: %w", err)
	}
	job.SetProgress(30)

	// The stored bytes must actually be the image type the client declared.
	detected := mimetype.Detect(data)
	if topLevel(detected.String()) != topLevel(record.MimeType) {
		return nil, fmt.Errorf("%w: declared %s but content is %s", errValidation, record.MimeType, detected.String())
	}

	meta, err := o.engine.ExtractMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable image: %v", errValidation, err)
	}
	job.SetProgress(50)

	var thumbnailURL string
	results := o.engine.GenerateThumbnails(data, thumbnailLadder)
	for _, res := range results {
		if res.Err != nil {
			zlog.Logger.Warn().Err(res.Err).
				Str("file_id", record.FileID.String()).
				Str("variant", res.Name).
				Msg("thumbnail variant failed")
			continue
		}

		key := storage.ThumbnailKey(record.FileID.String(), res.Name, string(res.Format))
		if _, err := o.blobs.Upload(ctx, record.StorageBucket, key, res.Data, "image/"+string(res.Format)); err != nil {
			return nil, fmt.Errorf("process file: failed to upload thumbnail %s: %w", res.Name, err)
		}
		if res.Name == "medium" {
			thumbnailURL = o.signer.PublicURL(key)
		}
	}
	job.SetProgress(80)

	metaKey := cache.ImageMetaKey(record.FileID.String())
	if err := o.cache.Set(ctx, metaKey, meta, cache.TTLMetadata); err != nil {
		zlog.Logger.Warn().Err(err).
			Str("file_id", record.FileID.String()).
			Msg("failed to cache image metadata")
	}

	fileMeta := model.FileMetadata{Width: meta.Width, Height: meta.Height}
	if err := o.files.SetProcessed(ctx, record.FileID, fileMeta, thumbnailURL); err != nil {
		return nil, fmt.Errorf("process file: %w", err)
	}

	return map[string]interface{}{
		"width":         meta.Width,
		"height":        meta.Height,
		"thumbnail_url": thumbnailURL,
	}, nil
}

// TransformPayload is the payload of a transform task.
type TransformPayload struct {
	FileID uuid.UUID        `json:"file_id"`
	Params transform.Params `json:"params"`
}

// HandleTransform is the transform job handler: it materializes one
// derivative and returns its URL.
func (o *Orchestrator) HandleTransform(ctx context.Context, job *queue.Job) (interface{}, error) {
	var payload TransformPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("transform: failed to decode payload: %w", err)
	}

	url, err := o.ResolveURL(ctx, payload.FileID, payload.Params)
	if err != nil {
		return nil, err
	}

	return map[string]string{"url": url}, nil
}

// HandleThumbnail regenerates the thumbnail ladder for a file.
func (o *Orchestrator) HandleThumbnail(ctx context.Context, job *queue.Job) (interface{}, error) {
	var payload model.ProcessFilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("thumbnail: failed to decode payload: %w", err)
	}

	record, err := o.files.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}

	data, err := o.blobs.Download(ctx, record.StorageBucket, record.StorageKey, o.cfg.MaxDownloadBytes)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: failed to download original: %w", err)
	}

	urls := make(map[string]string, len(thumbnailLadder))
	for _, res := range o.engine.GenerateThumbnails(data, thumbnailLadder) {
		if res.Err != nil {
			return nil, fmt.Errorf("thumbnail: variant %s: %w", res.Name, res.Err)
		}

		key := storage.ThumbnailKey(record.FileID.String(), res.Name, string(res.Format))
		if _, err := o.blobs.Upload(ctx, record.StorageBucket, key, res.Data, "image/"+string(res.Format)); err != nil {
			return nil, fmt.Errorf("thumbnail: failed to upload variant %s: %w", res.Name, err)
		}
		urls[res.Name] = o.signer.PublicURL(key)
	}

	return urls, nil
}

// GetFileRecord looks up a file record by id.
func (o *Orchestrator) GetFileRecord(ctx context.Context, fileID uuid.UUID) (model.FileRecord, error) {
	record, err := o.files.GetFile(ctx, fileID)
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("get file: %w", err)
	}

	return record, nil
}

// ResolveURL returns the URL of the derivative described by params, creating
// it on first request. The path is cache-first: a negative marker fails fast,
// a cached URL is returned as is, and only a full miss downloads and
// transforms the original.
func (o *Orchestrator) ResolveURL(ctx context.Context, fileID uuid.UUID, params transform.Params) (string, error) {
	if params.IsZero() {
		record, err := o.files.GetFile(ctx, fileID)
		if err != nil {
			return "", fmt.Errorf("resolve: %w", err)
		}

		return record.PublicURL, nil
	}

	hash := params.Hash()
	cacheKey := cache.ImageURLKey(fileID.String(), hash)

	if o.cache.IsNotFound(ctx, cacheKey) {
		return "", fmt.Errorf("resolve: %w", ErrFileNotFound)
	}

	var cached string
	if ok, err := o.cache.Get(ctx, cacheKey, &cached); err == nil && ok {
		return cached, nil
	}

	record, err := o.files.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, file.ErrFileNotFound) {
			if markErr := o.cache.MarkNotFound(ctx, cacheKey); markErr != nil {
				zlog.Logger.Warn().Err(markErr).Msg("failed to set negative cache marker")
			}
		}

		return "", fmt.Errorf("resolve: %w", err)
	}

	data, err := o.blobs.Download(ctx, record.StorageBucket, record.StorageKey, o.cfg.MaxDownloadBytes)
	if err != nil {
		return "", fmt.Errorf("resolve: failed to download original: %w", err)
	}

	out, err := o.engine.Process(data, params)
	if err != nil {
		return "", fmt.Errorf("resolve: failed to transform image: %w", err)
	}

	format := params.Format
	if format == "" {
		format = transform.FormatJPEG
	}

	key := storage.TransformKey(record.OwnerID, fileID.String(), hash, string(format))
	if _, err := o.blobs.Upload(ctx, record.StorageBucket, key, out, "image/"+string(format)); err != nil {
		return "", fmt.Errorf("resolve: failed to upload derivative: %w", err)
	}

	url := o.signer.PublicURL(key)
	if err := o.cache.SetWithJitter(ctx, cacheKey, url, cache.TTLImageURL); err != nil {
		zlog.Logger.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache derivative url")
	}

	return url, nil
}

// ReconcilePending re-enqueues process-file jobs for files that stayed
// pending past the reconcile age, covering lost upload events. It returns how
// many jobs it submitted.
func (o *Orchestrator) ReconcilePending(ctx context.Context) (int, error) {
	stale, err := o.files.ListPendingOlderThan(ctx, o.cfg.ReconcileAge)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	var submitted int
	for _, record := range stale {
		payload, err := json.Marshal(model.ProcessFilePayload{FileID: record.FileID})
		if err != nil {
			return submitted, fmt.Errorf("reconcile: failed to encode payload: %w", err)
		}

		if _, err := o.jobs.Add(model.TransformTask{
			Type:     model.TaskProcessFile,
			Priority: model.PriorityLow,
			Payload:  payload,
		}); err != nil {
			return submitted, fmt.Errorf("reconcile: failed to enqueue job: %w", err)
		}
		submitted++

		zlog.Logger.Info().
			Str("file_id", record.FileID.String()).
			Time("created_at", record.CreatedAt).
			Msg("re-enqueued stale pending file")
	}

	return submitted, nil
}

// topLevel extracts the major type from a mime string, e.g. "image" from
// "image/png; charset=binary".
func topLevel(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	major, _, _ := strings.Cut(strings.TrimSpace(mime), "/")

	return major
}
