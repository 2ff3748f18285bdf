//go:build unit || !integration

package interrupt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/interrupt"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/task"
	"github.com/Harvey-AU/tem/internal/testutil"
)

func newTestController(t *testing.T, engineDefault *model.BatchInterruptionCriteria) (*interrupt.Controller, *batch.Service, *task.Service) {
	t.Helper()
	s := testutil.OpenTempStore(t)

	batches := batch.New(s)
	tasks := task.New(s)
	return interrupt.New(s, batches, engineDefault), batches, tasks
}

func ptrInt(n int) *int           { return &n }
func ptrInt64(n int64) *int64     { return &n }
func ptrFloat(f float64) *float64 { return &f }

func TestCheckAndInterrupt_MaxFailedTasks(t *testing.T) {
	controller, batches, _ := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "FAIL-THRESHOLD",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxFailedTasks: ptrInt(2)},
	})
	require.NoError(t, err)

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{ConsecutiveFailures: 0})
	require.NoError(t, err)
	assert.False(t, fired, "no trigger should fire before any failures are recorded")
}

func TestCheckAndInterrupt_ConsecutiveFailuresTrigger(t *testing.T) {
	controller, batches, _ := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "CONSECUTIVE",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxConsecutiveFailures: ptrInt(3)},
	})
	require.NoError(t, err)

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{ConsecutiveFailures: 3})
	require.NoError(t, err)
	assert.True(t, fired)

	got, err := batches.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusInterrupted, got.Status)

	events, err := controller.GetInterruptionLog(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonConsecutiveFailures, events[0].Reason)
}

func TestCheckAndInterrupt_InactiveBatchNeverFires(t *testing.T) {
	controller, batches, _ := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "ALREADY-DONE",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxConsecutiveFailures: ptrInt(1)},
	})
	require.NoError(t, err)
	require.NoError(t, batches.UpdateStatus(ctx, b.ID, model.BatchStatusCompleted))

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{ConsecutiveFailures: 99})
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestCheckAndInterrupt_EvaluationOrder_RuntimeBeforeConsecutive(t *testing.T) {
	controller, batches, _ := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code: "ORDER",
		InterruptionCriteria: &model.BatchInterruptionCriteria{
			MaxBatchRuntimeMs:      ptrInt64(0), // exceeded once a whole millisecond has passed
			MaxConsecutiveFailures: ptrInt(1000),
		},
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{ConsecutiveFailures: 1})
	require.NoError(t, err)
	require.True(t, fired)

	events, err := controller.GetInterruptionLog(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonBatchRuntimeExceeded, events[0].Reason)
}

func TestEngineDefault_WinsOverBatchCriteriaOnConflict(t *testing.T) {
	engineDefault := &model.BatchInterruptionCriteria{MaxConsecutiveFailures: ptrInt(2)}
	controller, batches, _ := newTestController(t, engineDefault)
	ctx := context.Background()

	// Batch sets a looser threshold; the engine default must win.
	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "ENGINE-WINS",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxConsecutiveFailures: ptrInt(100)},
	})
	require.NoError(t, err)

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{ConsecutiveFailures: 2})
	require.NoError(t, err)
	assert.True(t, fired, "engine-level threshold of 2 should win over the batch's looser 100")
}

func TestInterrupt_ThenReactivate_AppendsNewLogEntry(t *testing.T) {
	controller, batches, _ := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{Code: "REACTIVATE"})
	require.NoError(t, err)

	require.NoError(t, controller.Interrupt(ctx, b.ID, "manual stop"))
	active, err := controller.IsBatchActive(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, batches.UpdateStatus(ctx, b.ID, model.BatchStatusActive))
	active, err = controller.IsBatchActive(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, controller.Interrupt(ctx, b.ID, "manual stop again"))

	events, err := controller.GetInterruptionLog(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "manual stop again", events[0].Message, "most recent event first")
	assert.Equal(t, "manual stop", events[1].Message)
}

func TestCheckAndInterrupt_MaxErrorRate(t *testing.T) {
	controller, batches, tasks := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "ERROR-RATE",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxErrorRate: ptrFloat(0.3)},
	})
	require.NoError(t, err)

	// 1 of 3 tasks failed: 0.33 > 0.3, should fire.
	for i := 0; i < 3; i++ {
		_, err := tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "t"})
		require.NoError(t, err)
	}
	claimed, err := tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, tasks.Fail(ctx, claimed.ID, "boom"))

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{})
	require.NoError(t, err)
	require.True(t, fired)

	events, err := controller.GetInterruptionLog(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonErrorRateExceeded, events[0].Reason)
	assert.Equal(t, 3, events[0].StatsSnapshot.Total)
	assert.Equal(t, 1, events[0].StatsSnapshot.Failed)
}

func TestCheckAndInterrupt_MaxFailedTasksTrigger(t *testing.T) {
	controller, batches, tasks := newTestController(t, nil)
	ctx := context.Background()

	b, err := batches.Create(ctx, batch.CreateInput{
		Code:                 "FAILED-TASKS",
		InterruptionCriteria: &model.BatchInterruptionCriteria{MaxFailedTasks: ptrInt(1)},
	})
	require.NoError(t, err)

	_, err = tasks.Create(ctx, task.CreateInput{BatchID: &b.ID, Type: "t"})
	require.NoError(t, err)
	claimed, err := tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, tasks.Fail(ctx, claimed.ID, "boom"))

	fired, err := controller.CheckAndInterruptIfNeeded(ctx, b.ID, model.WorkerCounters{})
	require.NoError(t, err)
	require.True(t, fired)

	events, err := controller.GetInterruptionLog(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonFailedTasksExceeded, events[0].Reason)
}
