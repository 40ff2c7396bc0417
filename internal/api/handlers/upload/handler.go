package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-pipeline/internal/api/respond"
	"github.com/aliskhannn/media-pipeline/internal/model"
	uploadsvc "github.com/aliskhannn/media-pipeline/internal/service/upload"
	"github.com/aliskhannn/media-pipeline/internal/storage/s3"
)

// service defines the interface for upload session operations.
type service interface {
	InitSession(ctx context.Context, req uploadsvc.InitRequest) (model.UploadSession, error)
	GetPartUploadTarget(ctx context.Context, uploadID uuid.UUID, partNumber int) (string, error)
	RecordPart(ctx context.Context, uploadID uuid.UUID, part model.PartRecord) error
	Complete(ctx context.Context, uploadID uuid.UUID, parts []s3.Part) (model.FileRecord, error)
	Abort(ctx context.Context, uploadID uuid.UUID) error
	Status(ctx context.Context, uploadID uuid.UUID) (model.UploadSession, error)
}

// Handler provides HTTP handlers for upload session endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// InitRequest is the body of the session init endpoint.
type InitRequest struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	IsPublic bool   `json:"is_public"`
}

// Init starts a new upload session and returns the chunking contract the
// client must follow.
func (h *Handler) Init(c *ginext.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	sess, err := h.service.InitSession(c.Request.Context(), uploadsvc.InitRequest{
		FileName: req.FileName,
		MimeType: req.MimeType,
		Size:     req.Size,
		OwnerID:  ownerID(c),
		IsPublic: req.IsPublic,
	})
	if err != nil {
		h.fail(c, "failed to init upload session", err)
		return
	}

	respond.Created(c, map[string]interface{}{
		"upload_id":   sess.UploadID,
		"file_id":     sess.FileID,
		"chunk_size":  sess.ChunkSize,
		"total_parts": sess.TotalParts,
		"storage_key": sess.StorageKey,
		"expires_at":  sess.ExpiresAt,
	})
}

// PartTarget returns a presigned URL for one part.
func (h *Handler) PartTarget(c *ginext.Context) {
	uploadID, partNumber, ok := h.partParams(c)
	if !ok {
		return
	}

	url, err := h.service.GetPartUploadTarget(c.Request.Context(), uploadID, partNumber)
	if err != nil {
		h.fail(c, "failed to presign part upload", err)
		return
	}

	respond.OK(c, map[string]interface{}{
		"part_number": partNumber,
		"url":         url,
	})
}

// RecordPartRequest is the body of the part record endpoint.
type RecordPartRequest struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// RecordPart stores the etag of a part the client finished uploading.
func (h *Handler) RecordPart(c *ginext.Context) {
	uploadID, partNumber, ok := h.partParams(c)
	if !ok {
		return
	}

	var req RecordPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	err := h.service.RecordPart(c.Request.Context(), uploadID, model.PartRecord{
		PartNumber: partNumber,
		ETag:       req.ETag,
		Size:       req.Size,
	})
	if err != nil {
		h.fail(c, "failed to record part", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CompleteRequest is the body of the completion endpoint: the client's
// manifest of every part it uploaded.
type CompleteRequest struct {
	Parts []CompletePart `json:"parts"`
}

// CompletePart is one entry of the completion manifest.
type CompletePart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// Complete assembles the submitted parts and returns the new file record.
func (h *Handler) Complete(c *ginext.Context) {
	uploadID, ok := h.uploadID(c)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	parts := make([]s3.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, s3.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	record, err := h.service.Complete(c.Request.Context(), uploadID, parts)
	if err != nil {
		h.fail(c, "failed to complete upload session", err)
		return
	}

	respond.OK(c, map[string]interface{}{
		"file_id": record.FileID,
		"url":     record.PublicURL,
		"etag":    record.ContentETag,
	})
}

// Abort cancels the session and discards its uploaded parts.
func (h *Handler) Abort(c *ginext.Context) {
	uploadID, ok := h.uploadID(c)
	if !ok {
		return
	}

	if err := h.service.Abort(c.Request.Context(), uploadID); err != nil {
		h.fail(c, "failed to abort upload session", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Status returns the session state including recorded parts, so a client can
// resume after an interruption.
func (h *Handler) Status(c *ginext.Context) {
	uploadID, ok := h.uploadID(c)
	if !ok {
		return
	}

	sess, err := h.service.Status(c.Request.Context(), uploadID)
	if err != nil {
		h.fail(c, "failed to get upload session", err)
		return
	}

	respond.OK(c, sess)
}

func (h *Handler) uploadID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid upload id: %v", err))
		return uuid.Nil, false
	}

	return id, true
}

func (h *Handler) partParams(c *ginext.Context) (uuid.UUID, int, bool) {
	uploadID, ok := h.uploadID(c)
	if !ok {
		return uuid.Nil, 0, false
	}

	partNumber, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid part number: %v", err))
		return uuid.Nil, 0, false
	}

	return uploadID, partNumber, true
}

// fail maps service errors onto HTTP statuses.
func (h *Handler) fail(c *ginext.Context, msg string, err error) {
	var validationErr *uploadsvc.ValidationError

	switch {
	case errors.As(err, &validationErr):
		respond.Fail(c, http.StatusBadRequest, validationErr)
	case errors.Is(err, uploadsvc.ErrInvalidParts):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, uploadsvc.ErrSessionNotFound):
		respond.Fail(c, http.StatusNotFound, errors.New("upload session not found"))
	case errors.Is(err, uploadsvc.ErrSessionNotActive):
		respond.Fail(c, http.StatusConflict, err)
	default:
		zlog.Logger.Err(err).Msg(msg)
		respond.Fail(c, http.StatusInternalServerError, errors.New(msg))
	}
}

// ownerID resolves the acting owner. Auth lives upstream; the gateway passes
// the identity through this header.
func ownerID(c *ginext.Context) string {
	if owner := c.GetHeader("X-Owner-ID"); owner != "" {
		return owner
	}

	return "anonymous"
}
