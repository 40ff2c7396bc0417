package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-pipeline/internal/api/respond"
	"github.com/aliskhannn/media-pipeline/internal/model"
	"github.com/aliskhannn/media-pipeline/internal/queue"
	"github.com/aliskhannn/media-pipeline/internal/service/process"
	"github.com/aliskhannn/media-pipeline/internal/transform"
)

// resolver serves the cached transform read path and file lookups.
type resolver interface {
	ResolveURL(ctx context.Context, fileID uuid.UUID, params transform.Params) (string, error)
	GetFileRecord(ctx context.Context, fileID uuid.UUID) (model.FileRecord, error)
}

// jobQueue submits jobs and reports their status.
type jobQueue interface {
	Add(task model.TransformTask) (string, error)
	Status(jobID string) (model.TaskResult, error)
}

// Handler provides HTTP handlers for transform, file and task endpoints.
type Handler struct {
	resolver resolver
	jobs     jobQueue
}

// NewHandler creates a new Handler.
func NewHandler(r resolver, jobs jobQueue) *Handler {
	return &Handler{resolver: r, jobs: jobs}
}

// Transform resolves a derivative URL from query parameters and redirects to
// it. When the client did not name a format, the Accept header picks the best
// one it advertises.
func (h *Handler) Transform(c *ginext.Context) {
	fileID, ok := h.fileID(c)
	if !ok {
		return
	}

	params, err := transform.ParseQuery(c.Request.URL.Query())
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	if params.Format == "" && !params.IsZero() {
		params.Format = transform.BestFormat(c.GetHeader("Accept"))
	}

	url, err := h.resolver.ResolveURL(c.Request.Context(), fileID, params)
	if err != nil {
		h.fail(c, "failed to resolve transform", err)
		return
	}

	c.Redirect(http.StatusFound, url)
}

// TransformAsync enqueues the transform as a background job and returns its
// task id for polling.
func (h *Handler) TransformAsync(c *ginext.Context) {
	fileID, ok := h.fileID(c)
	if !ok {
		return
	}

	params, err := transform.ParseQuery(c.Request.URL.Query())
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	payload, err := json.Marshal(process.TransformPayload{FileID: fileID, Params: params})
	if err != nil {
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to encode task payload"))
		return
	}

	taskID, err := h.jobs.Add(model.TransformTask{
		Type:     model.TaskTransform,
		Priority: model.PriorityHigh,
		Payload:  payload,
	})
	if err != nil {
		h.fail(c, "failed to enqueue transform task", err)
		return
	}

	respond.JSON(c, http.StatusAccepted, respond.Success{Result: map[string]string{"task_id": taskID}})
}

// GetFile returns the file record including its processing status.
func (h *Handler) GetFile(c *ginext.Context) {
	fileID, ok := h.fileID(c)
	if !ok {
		return
	}

	record, err := h.resolver.GetFileRecord(c.Request.Context(), fileID)
	if err != nil {
		h.fail(c, "failed to get file record", err)
		return
	}

	respond.OK(c, record)
}

// Thumbnails enqueues thumbnail regeneration for a file.
func (h *Handler) Thumbnails(c *ginext.Context) {
	fileID, ok := h.fileID(c)
	if !ok {
		return
	}

	payload, err := json.Marshal(model.ProcessFilePayload{FileID: fileID})
	if err != nil {
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to encode task payload"))
		return
	}

	taskID, err := h.jobs.Add(model.TransformTask{
		Type:     model.TaskThumbnail,
		Priority: model.PriorityNormal,
		Payload:  payload,
	})
	if err != nil {
		h.fail(c, "failed to enqueue thumbnail task", err)
		return
	}

	respond.JSON(c, http.StatusAccepted, respond.Success{Result: map[string]string{"task_id": taskID}})
}

// TaskStatus returns the state of a queued job.
func (h *Handler) TaskStatus(c *ginext.Context) {
	result, err := h.jobs.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to get task status")
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to get task status"))
		return
	}

	respond.OK(c, result)
}

func (h *Handler) fileID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid file id: %v", err))
		return uuid.Nil, false
	}

	return id, true
}

func (h *Handler) fail(c *ginext.Context, msg string, err error) {
	var validationErr *transform.ValidationError

	switch {
	case errors.As(err, &validationErr):
		respond.Fail(c, http.StatusBadRequest, validationErr)
	case errors.Is(err, process.ErrFileNotFound):
		respond.Fail(c, http.StatusNotFound, errors.New("file not found"))
	default:
		zlog.Logger.Err(err).Msg(msg)
		respond.Fail(c, http.StatusInternalServerError, errors.New(msg))
	}
}
