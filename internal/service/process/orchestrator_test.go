package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/media-pipeline/internal/model"
	"github.com/aliskhannn/media-pipeline/internal/queue"
	"github.com/aliskhannn/media-pipeline/internal/repository/file"
	"github.com/aliskhannn/media-pipeline/internal/transform"
)

type fakeFileRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*model.FileRecord
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{records: make(map[uuid.UUID]*model.FileRecord)}
}

func (r *fakeFileRepo) put(record model.FileRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := record
	r.records[record.FileID] = &copied
}

func (r *fakeFileRepo) GetFile(_ context.Context, fileID uuid.UUID) (model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[fileID]
	if !ok {
		return model.FileRecord{}, file.ErrFileNotFound
	}
	return *record, nil
}

func (r *fakeFileRepo) UpdateStatus(_ context.Context, fileID uuid.UUID, status model.ProcessingStatus, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[fileID]
	if !ok {
		return file.ErrFileNotFound
	}
	record.ProcessingStatus = status
	record.ProcessingError = processingError
	return nil
}

func (r *fakeFileRepo) SetProcessed(_ context.Context, fileID uuid.UUID, meta model.FileMetadata, thumbnailURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[fileID]
	if !ok {
		return file.ErrFileNotFound
	}
	record.ProcessingStatus = model.ProcessingCompleted
	record.ProcessingError = ""
	record.Metadata = meta
	record.ThumbnailURL = thumbnailURL
	return nil
}

func (r *fakeFileRepo) ListPendingOlderThan(_ context.Context, age time.Duration) ([]model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var out []model.FileRecord
	for _, record := range r.records {
		if record.ProcessingStatus == model.ProcessingPending && record.CreatedAt.Before(cutoff) {
			out = append(out, *record)
		}
	}
	return out, nil
}

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	downloads int
	uploads   []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Download(_ context.Context, bucket, key string, _ int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.downloads++
	data, ok := b.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (b *fakeBlobs) Upload(_ context.Context, bucket, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[bucket+"/"+key] = data
	b.uploads = append(b.uploads, key)
	return "etag", nil
}

type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	negative map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte), negative: make(map[string]bool)}
}

func (c *fakeCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = raw
	delete(c.negative, key)
	return nil
}

func (c *fakeCache) SetWithJitter(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, key, value, ttl)
}

func (c *fakeCache) MarkNotFound(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[key] = true
	return nil
}

func (c *fakeCache) IsNotFound(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negative[key]
}

type fakeEngine struct {
	mu        sync.Mutex
	processed int
}

func (e *fakeEngine) Process(input []byte, p transform.Params) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed++
	return []byte("transformed"), nil
}

func (e *fakeEngine) GenerateThumbnails(input []byte, variants []transform.ThumbnailVariant) []transform.ThumbnailResult {
	results := make([]transform.ThumbnailResult, len(variants))
	for i, v := range variants {
		results[i] = transform.ThumbnailResult{Name: v.Name, Data: []byte("thumb-" + v.Name), Format: v.Format}
	}
	return results
}

func (e *fakeEngine) ExtractMetadata(input []byte) (transform.Metadata, error) {
	img, format, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return transform.Metadata{}, err
	}
	bounds := img.Bounds()
	return transform.Metadata{Width: bounds.Dx(), Height: bounds.Dy(), Format: format, Size: len(input)}, nil
}

func (e *fakeEngine) processCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed
}

type fakeSigner struct{}

func (fakeSigner) PublicURL(key string) string { return "https://cdn.test/" + key }

type fakeJobs struct {
	mu    sync.Mutex
	tasks []model.TransformTask
}

func (j *fakeJobs) Add(task model.TransformTask) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, task)
	return uuid.NewString(), nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestOrchestrator() (*Orchestrator, *fakeFileRepo, *fakeBlobs, *fakeCache, *fakeEngine, *fakeJobs) {
	files := newFakeFileRepo()
	blobs := newFakeBlobs()
	c := newFakeCache()
	engine := &fakeEngine{}
	jobs := &fakeJobs{}

	o := NewOrchestrator(Config{
		MaxDownloadBytes: 64 * 1024 * 1024,
		ReconcileAge:     10 * time.Minute,
	}, files, blobs, c, engine, fakeSigner{}, jobs)

	return o, files, blobs, c, engine, jobs
}

func imageRecord(fileID uuid.UUID) model.FileRecord {
	return model.FileRecord{
		FileID:           fileID,
		FileName:         "photo.png",
		MimeType:         "image/png",
		StorageKey:       "originals/owner-1/" + fileID.String() + ".png",
		StorageBucket:    "public",
		OwnerID:          "owner-1",
		PublicURL:        "https://cdn.test/originals/owner-1/" + fileID.String() + ".png",
		ProcessingStatus: model.ProcessingPending,
		CreatedAt:        time.Now(),
	}
}

func processJob(t *testing.T, fileID uuid.UUID) *queue.Job {
	t.Helper()

	payload, err := json.Marshal(model.ProcessFilePayload{FileID: fileID})
	require.NoError(t, err)

	return queue.NewJob(model.TaskProcessFile, payload)
}

func TestHandleProcessFile_Image(t *testing.T) {
	o, files, blobs, c, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = pngBytes(t, 320, 240)

	_, err := o.HandleProcessFile(context.Background(), processJob(t, fileID))
	require.NoError(t, err)

	stored, err := files.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	require.Equal(t, model.ProcessingCompleted, stored.ProcessingStatus)
	require.Equal(t, 320, stored.Metadata.Width)
	require.Equal(t, 240, stored.Metadata.Height)
	require.Contains(t, stored.ThumbnailURL, "thumb_medium")

	// All three ladder rungs were stored.
	require.Len(t, blobs.uploads, 3)

	// Metadata landed in the cache.
	require.Contains(t, c.values, "image:meta:"+fileID.String())
}

func TestHandleProcessFile_NonImageCompletesImmediately(t *testing.T) {
	o, files, blobs, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	record.MimeType = "application/pdf"
	files.put(record)

	_, err := o.HandleProcessFile(context.Background(), processJob(t, fileID))
	require.NoError(t, err)

	stored, err := files.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	require.Equal(t, model.ProcessingCompleted, stored.ProcessingStatus)
	require.Zero(t, blobs.downloads)
}

func TestHandleProcessFile_MimeMismatchFails(t *testing.T) {
	o, files, blobs, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = []byte("plain text pretending to be a png")

	_, err := o.HandleProcessFile(context.Background(), processJob(t, fileID))
	require.Error(t, err)

	stored, getErr := files.GetFile(context.Background(), fileID)
	require.NoError(t, getErr)
	require.Equal(t, model.ProcessingFailed, stored.ProcessingStatus)
	require.NotEmpty(t, stored.ProcessingError)
}

func TestHandleProcessFile_DownloadFailureFails(t *testing.T) {
	o, files, _, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	files.put(imageRecord(fileID))
	// No object stored for the record's key.

	_, err := o.HandleProcessFile(context.Background(), processJob(t, fileID))
	require.Error(t, err)

	stored, getErr := files.GetFile(context.Background(), fileID)
	require.NoError(t, getErr)
	require.Equal(t, model.ProcessingFailed, stored.ProcessingStatus)
}

func TestHandleProcessFile_AlreadyCompletedIsNoop(t *testing.T) {
	o, files, blobs, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	record.ProcessingStatus = model.ProcessingCompleted
	files.put(record)

	_, err := o.HandleProcessFile(context.Background(), processJob(t, fileID))
	require.NoError(t, err)
	require.Zero(t, blobs.downloads)
}

func TestResolveURL_ZeroParamsReturnsOriginal(t *testing.T) {
	o, files, _, _, engine, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)

	url, err := o.ResolveURL(context.Background(), fileID, transform.Params{})
	require.NoError(t, err)
	require.Equal(t, record.PublicURL, url)
	require.Zero(t, engine.processCount())
}

func TestResolveURL_MissGeneratesAndCaches(t *testing.T) {
	o, files, blobs, c, engine, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = pngBytes(t, 100, 100)

	params := transform.Params{Width: 50, Format: transform.FormatWebP}

	url, err := o.ResolveURL(context.Background(), fileID, params)
	require.NoError(t, err)
	require.Contains(t, url, "transformed/owner-1/"+fileID.String())
	require.Contains(t, url, params.Hash())
	require.Equal(t, 1, engine.processCount())

	// The resolved URL is cached for the next call.
	require.Contains(t, c.values, "image:url:"+fileID.String()+":"+params.Hash())
}

func TestResolveURL_CacheHitSkipsEngine(t *testing.T) {
	o, files, blobs, _, engine, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = pngBytes(t, 100, 100)

	params := transform.Params{Width: 50, Format: transform.FormatWebP}

	first, err := o.ResolveURL(context.Background(), fileID, params)
	require.NoError(t, err)

	second, err := o.ResolveURL(context.Background(), fileID, params)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, engine.processCount(), "second resolve must come from cache")
	require.Equal(t, 1, blobs.downloads)
}

func TestResolveURL_UnknownFileSetsNegativeMarker(t *testing.T) {
	o, _, _, c, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	params := transform.Params{Width: 50}

	_, err := o.ResolveURL(context.Background(), fileID, params)
	require.ErrorIs(t, err, ErrFileNotFound)

	// The second lookup fails fast on the marker.
	require.True(t, c.IsNotFound(context.Background(), "image:url:"+fileID.String()+":"+params.Hash()))

	_, err = o.ResolveURL(context.Background(), fileID, params)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestHandleTransform(t *testing.T) {
	o, files, blobs, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = pngBytes(t, 100, 100)

	payload, err := json.Marshal(TransformPayload{
		FileID: fileID,
		Params: transform.Params{Width: 50},
	})
	require.NoError(t, err)

	result, err := o.HandleTransform(context.Background(), queue.NewJob(model.TaskTransform, payload))
	require.NoError(t, err)

	urls, ok := result.(map[string]string)
	require.True(t, ok)
	require.Contains(t, urls["url"], "transformed/")
}

func TestHandleThumbnail(t *testing.T) {
	o, files, blobs, _, _, _ := newTestOrchestrator()

	fileID := uuid.New()
	record := imageRecord(fileID)
	files.put(record)
	blobs.objects["public/"+record.StorageKey] = pngBytes(t, 100, 100)

	result, err := o.HandleThumbnail(context.Background(), queue.NewJob(model.TaskThumbnail, processJob(t, fileID).Payload))
	require.NoError(t, err)

	urls, ok := result.(map[string]string)
	require.True(t, ok)
	require.Len(t, urls, 3)
	require.Contains(t, urls["small"], "thumb_small")
}

func TestReconcilePending(t *testing.T) {
	o, files, _, _, _, jobs := newTestOrchestrator()

	stale := imageRecord(uuid.New())
	stale.CreatedAt = time.Now().Add(-time.Hour)
	files.put(stale)

	fresh := imageRecord(uuid.New())
	files.put(fresh)

	done := imageRecord(uuid.New())
	done.CreatedAt = time.Now().Add(-time.Hour)
	done.ProcessingStatus = model.ProcessingCompleted
	files.put(done)

	n, err := o.ReconcilePending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, jobs.tasks, 1)
	require.Equal(t, model.TaskProcessFile, jobs.tasks[0].Type)
	require.Equal(t, model.PriorityLow, jobs.tasks[0].Priority)

	var payload model.ProcessFilePayload
	require.NoError(t, json.Unmarshal(jobs.tasks[0].Payload, &payload))
	require.Equal(t, stale.FileID, payload.FileID)
}

func TestTopLevel(t *testing.T) {
	require.Equal(t, "image", topLevel("image/png"))
	require.Equal(t, "image", topLevel("image/jpeg; charset=binary"))
	require.Equal(t, "text", topLevel("text/plain"))
}
