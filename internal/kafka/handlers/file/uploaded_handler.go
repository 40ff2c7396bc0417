package file

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/aliskhannn/media-pipeline/internal/model"
)

// jobSubmitter enqueues work on the local job queue.
type jobSubmitter interface {
	Add(task model.TransformTask) (string, error)
}

// UploadedHandler turns file-uploaded events into process-file jobs.
type UploadedHandler struct {
	jobs jobSubmitter
}

func NewUploadedHandler(jobs jobSubmitter) *UploadedHandler {
	return &UploadedHandler{jobs: jobs}
}

func (h *UploadedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var event model.FileUploadedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	payload, err := json.Marshal(model.ProcessFilePayload{FileID: event.FileID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if _, err := h.jobs.Add(model.TransformTask{
		Type:     model.TaskProcessFile,
		Priority: model.PriorityNormal,
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	return nil
}
