package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/media-pipeline/internal/model"
)

func testPolicy() Policy {
	return Policy{
		Attempts:       3,
		BackoffBase:    5 * time.Millisecond,
		CompletedAge:   time.Hour,
		CompletedCount: 1000,
		FailedAge:      24 * time.Hour,
	}
}

// waitFor polls the job until it reaches a terminal status.
func waitFor(t *testing.T, q *Queue, jobID string) model.TaskResult {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := q.Status(jobID)
		require.NoError(t, err)
		if res.Status == model.TaskCompleted || res.Status == model.TaskFailed {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("job %s did not finish in time", jobID)
	return model.TaskResult{}
}

func TestAdd_RequiresHandler(t *testing.T) {
	q := New("test", testPolicy())

	_, err := q.Add(model.TransformTask{Type: "unknown"})
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestStatus_UnknownJob(t *testing.T) {
	q := New("test", testPolicy())

	_, err := q.Status("nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_CompletesJobWithResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		job.SetProgress(50)
		return map[string]string{"url": "https://cdn/x"}, nil
	})
	q.Start(ctx, 2)

	payload, _ := json.Marshal(map[string]string{"k": "v"})
	id, err := q.Add(model.TransformTask{Type: model.TaskTransform, Priority: model.PriorityNormal, Payload: payload})
	require.NoError(t, err)

	res := waitFor(t, q, id)
	require.Equal(t, model.TaskCompleted, res.Status)
	require.Equal(t, 100, res.Progress)
	require.NotNil(t, res.Results)
	require.NotNil(t, res.CompletedAt)
	require.Empty(t, res.Error)
}

func TestQueue_PriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []model.TaskPriority

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return nil, nil
	})

	// Enqueue while paused so priorities decide the dispatch order, not
	// arrival timing.
	q.Pause()
	q.Start(ctx, 1)

	var ids []string
	for _, priority := range []model.TaskPriority{model.PriorityLow, model.PriorityCritical, model.PriorityNormal, model.PriorityHigh} {
		id, err := q.Add(model.TransformTask{Type: model.TaskTransform, Priority: priority})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	q.Resume()
	for _, id := range ids {
		waitFor(t, q, id)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []model.TaskPriority{
		model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow,
	}, order)
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	q.Start(ctx, 1)

	id, err := q.Add(model.TransformTask{Type: model.TaskTransform})
	require.NoError(t, err)

	res := waitFor(t, q, id)
	require.Equal(t, model.TaskCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestQueue_FailsTerminallyAfterAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		return nil, errors.New("permanent trouble")
	})
	q.Start(ctx, 1)

	id, err := q.Add(model.TransformTask{Type: model.TaskTransform})
	require.NoError(t, err)

	res := waitFor(t, q, id)
	require.Equal(t, model.TaskFailed, res.Status)
	require.Contains(t, res.Error, "permanent trouble")
	require.NotNil(t, res.CompletedAt)
}

func TestQueue_PanicBecomesFailedAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		panic("boom")
	})
	q.Start(ctx, 1)

	id, err := q.Add(model.TransformTask{Type: model.TaskTransform})
	require.NoError(t, err)

	res := waitFor(t, q, id)
	require.Equal(t, model.TaskFailed, res.Status)
	require.Contains(t, res.Error, "handler panic")
}

func TestQueue_PauseHoldsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		return nil, nil
	})
	q.Pause()
	q.Start(ctx, 1)

	id, err := q.Add(model.TransformTask{Type: model.TaskTransform})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	res, err := q.Status(id)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, res.Status)

	q.Resume()
	res = waitFor(t, q, id)
	require.Equal(t, model.TaskCompleted, res.Status)
}

func TestQueue_AddAfterStop(t *testing.T) {
	q := New("test", testPolicy())
	q.Register(model.TaskTransform, func(ctx context.Context, job *Job) (interface{}, error) {
		return nil, nil
	})
	q.Stop()

	_, err := q.Add(model.TransformTask{Type: model.TaskTransform})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestSweep_Retention(t *testing.T) {
	q := New("test", testPolicy())

	now := time.Now()
	q.jobs["old-completed"] = &Job{ID: "old-completed", status: model.TaskCompleted, completedAt: now.Add(-2 * time.Hour)}
	q.jobs["fresh-completed"] = &Job{ID: "fresh-completed", status: model.TaskCompleted, completedAt: now.Add(-time.Minute)}
	q.jobs["old-failed"] = &Job{ID: "old-failed", status: model.TaskFailed, completedAt: now.Add(-25 * time.Hour)}
	q.jobs["fresh-failed"] = &Job{ID: "fresh-failed", status: model.TaskFailed, completedAt: now.Add(-time.Hour)}
	q.jobs["pending"] = &Job{ID: "pending", status: model.TaskPending}

	q.sweep(now)

	_, err := q.Status("old-completed")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Status("old-failed")
	require.ErrorIs(t, err, ErrJobNotFound)

	for _, id := range []string{"fresh-completed", "fresh-failed", "pending"} {
		_, err := q.Status(id)
		require.NoError(t, err, "job %s should survive the sweep", id)
	}
}

func TestSweep_CompletedCountCap(t *testing.T) {
	policy := testPolicy()
	policy.CompletedCount = 2
	q := New("test", policy)

	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		q.jobs[id] = &Job{ID: id, status: model.TaskCompleted, completedAt: now.Add(-time.Duration(i) * time.Minute)}
	}

	q.sweep(now)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.jobs, 2)
	require.Contains(t, q.jobs, "a")
	require.Contains(t, q.jobs, "b")
}
