//go:build unit || !integration

package batch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/task"
	"github.com/Harvey-AU/tem/internal/testutil"
)

func newTestServices(t *testing.T) (*batch.Service, *task.Service) {
	t.Helper()
	s := testutil.OpenTempStore(t)
	return batch.New(s), task.New(s)
}

func TestCreate_DuplicateCodeRejected(t *testing.T) {
	batches, _ := newTestServices(t)
	ctx := context.Background()

	_, err := batches.Create(ctx, batch.CreateInput{Code: "BASIC"})
	require.NoError(t, err)

	_, err = batches.Create(ctx, batch.CreateInput{Code: "BASIC"})
	assert.ErrorIs(t, err, batch.ErrDuplicateCode)
}

func TestGetByCode(t *testing.T) {
	batches, _ := newTestServices(t)
	ctx := context.Background()

	created, err := batches.Create(ctx, batch.CreateInput{Code: "BY-CODE", Type: "greet"})
	require.NoError(t, err)

	got, err := batches.GetByCode(ctx, "BY-CODE")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.BatchStatusActive, got.Status)
}

func TestGetStats(t *testing.T) {
	batches, tasks := newTestServices(t)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "STATS"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "greet"})
		require.NoError(t, err)
	}
	claimed, err := tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, tasks.Complete(ctx, claimed.ID, []byte(`{}`)))

	stats, err := batches.GetStats(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Failed)
}

func TestResume_ResetsRunningToPending_AndIsIdempotent(t *testing.T) {
	batches, tasks := newTestServices(t)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "RESUME"})
	require.NoError(t, err)

	_, err = tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "greet"})
	require.NoError(t, err)
	_, err = tasks.Claim(ctx, b.ID)
	require.NoError(t, err)

	n, err := batches.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err := batches.GetStats(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 1, stats.Pending)

	again, err := batches.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, again)
}

func TestRetryFailed_ResetsAttemptAndIsIdempotent(t *testing.T) {
	batches, tasks := newTestServices(t)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "RETRY-FAILED"})
	require.NoError(t, err)

	_, err = tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "greet"})
	require.NoError(t, err)
	claimed, err := tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, tasks.Fail(ctx, claimed.ID, "boom"))

	n, err := batches.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := tasks.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempt)

	again, err := batches.RetryFailed(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, again)
}

func TestUpdateStatus_CompletedSetsCompletedAt(t *testing.T) {
	batches, _ := newTestServices(t)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "COMPLETE-ME"})
	require.NoError(t, err)

	require.NoError(t, batches.UpdateStatus(ctx, b.ID, model.BatchStatusCompleted))

	got, err := batches.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestReconcileStuck_MarksBatchCompletedWhenAllTasksTerminal(t *testing.T) {
	batches, tasks := newTestServices(t)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "STUCK"})
	require.NoError(t, err)

	id, err := tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "greet"})
	require.NoError(t, err)
	claimed, err := tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.NoError(t, tasks.Complete(ctx, claimed.ID, []byte(`{}`)))

	n, err := batches.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := batches.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
}

func TestGetWithCriteria(t *testing.T) {
	batches, _ := newTestServices(t)
	ctx := context.Background()

	rate := 0.5
	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "WITH-CRITERIA",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxErrorRate: &rate},
	})
	require.NoError(t, err)

	got, criteria, err := batches.GetWithCriteria(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	require.NotNil(t, criteria.MaxErrorRate)
	assert.Equal(t, 0.5, *criteria.MaxErrorRate)
}
