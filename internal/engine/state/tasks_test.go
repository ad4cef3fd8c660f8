package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

func TestTasks_PutAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_000_000)

	require.NoError(t, s.PutTask(ctx, TaskRecord{
		ID: "a", Name: "ota-download", Params: []byte(`{"url":"u"}`),
		State: types.TaskEnqueued, CreatedAt: base,
	}))
	require.NoError(t, s.PutTask(ctx, TaskRecord{
		ID: "b", Name: "ota-download", State: types.TaskSucceeded, CreatedAt: base.Add(time.Second),
	}))

	all, err := s.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.JSONEq(t, `{"url":"u"}`, string(all[0].Params))
	assert.JSONEq(t, `{}`, string(all[1].Params))

	live, err := s.Tasks(ctx, types.TaskEnqueued, types.TaskRunning)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].ID)
}

func TestTasks_UpsertKeepsCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(5_000)

	rec := TaskRecord{ID: "x", Name: "ota-download", State: types.TaskEnqueued, CreatedAt: created}
	require.NoError(t, s.PutTask(ctx, rec))

	rec.State = types.TaskRunning
	rec.Attempts = 2
	rec.CreatedAt = time.UnixMilli(9_000)
	rec.LastError = "connection reset"
	require.NoError(t, s.PutTask(ctx, rec))

	got, err := s.Task(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.State)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "connection reset", got.LastError)
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestTask_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Task(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTransitionTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, TaskRecord{ID: "x", Name: "n", State: types.TaskSucceeded}))

	ok, err := s.TransitionTask(ctx, "x", types.TaskCancelled, types.TaskEnqueued, types.TaskRunning)
	require.NoError(t, err)
	assert.False(t, ok, "terminal task must not be cancelled")

	ok, err = s.TransitionTask(ctx, "x", types.TaskEnqueued)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruneTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.UnixMilli(1_000)
	require.NoError(t, s.PutTask(ctx, TaskRecord{ID: "old-done", Name: "n", State: types.TaskSucceeded, CreatedAt: old}))
	require.NoError(t, s.PutTask(ctx, TaskRecord{ID: "old-live", Name: "n", State: types.TaskEnqueued, CreatedAt: old}))

	n, err := s.PruneTasks(ctx, time.UnixMilli(2_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Task(ctx, "old-live")
	assert.NoError(t, err)
}

func TestClaimAndFinishTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, TaskRecord{ID: "c", Name: "ota-download", State: types.TaskEnqueued}))

	rec, ok, err := s.ClaimTask(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, rec.State)
	assert.Equal(t, 1, rec.Attempts)

	_, ok, err = s.ClaimTask(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok, "running task cannot be claimed twice")

	next := time.UnixMilli(77_000)
	ok, err = s.FinishTask(ctx, "c", types.TaskEnqueued, next, "timeout")
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.Task(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, types.TaskEnqueued, got.State)
	assert.Equal(t, next.UnixMilli(), got.NextRunAt.UnixMilli())
	assert.Equal(t, "timeout", got.LastError)

	// A cancellation that lands mid-run wins over the run's outcome.
	_, ok, err = s.ClaimTask(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.TransitionTask(ctx, "c", types.TaskCancelled, types.TaskRunning)
	require.NoError(t, err)
	ok, err = s.FinishTask(ctx, "c", types.TaskSucceeded, time.Now(), "")
	require.NoError(t, err)
	assert.False(t, ok)
	got, _ = s.Task(ctx, "c")
	assert.Equal(t, types.TaskCancelled, got.State)
	assert.Equal(t, 2, got.Attempts)
}
