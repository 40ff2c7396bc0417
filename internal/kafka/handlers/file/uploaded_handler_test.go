package file

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/media-pipeline/internal/model"
)

type fakeSubmitter struct {
	tasks []model.TransformTask
	err   error
}

func (s *fakeSubmitter) Add(task model.TransformTask) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.tasks = append(s.tasks, task)
	return "job-1", nil
}

func TestHandle(t *testing.T) {
	submitter := &fakeSubmitter{}
	h := NewUploadedHandler(submitter)

	fileID := uuid.New()
	value, err := json.Marshal(model.FileUploadedEvent{
		FileID:     fileID,
		OwnerID:    "owner-1",
		UploadedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Value: value}))
	require.Len(t, submitter.tasks, 1)
	require.Equal(t, model.TaskProcessFile, submitter.tasks[0].Type)
	require.Equal(t, model.PriorityNormal, submitter.tasks[0].Priority)

	var payload model.ProcessFilePayload
	require.NoError(t, json.Unmarshal(submitter.tasks[0].Payload, &payload))
	require.Equal(t, fileID, payload.FileID)
}

func TestHandle_BadPayload(t *testing.T) {
	h := NewUploadedHandler(&fakeSubmitter{})

	err := h.Handle(context.Background(), kafka.Message{Value: []byte("not json")})
	require.Error(t, err)
}

func TestHandle_QueueFailure(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("queue closed")}
	h := NewUploadedHandler(submitter)

	value, _ := json.Marshal(model.FileUploadedEvent{FileID: uuid.New()})
	err := h.Handle(context.Background(), kafka.Message{Value: value})
	require.Error(t, err)
}
