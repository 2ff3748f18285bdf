//go:build unit || !integration

package tem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/observability"
	"github.com/Harvey-AU/tem/internal/tem"
	"github.com/Harvey-AU/tem/internal/worker"
)

func TestNew_RejectsNonPositiveConcurrency(t *testing.T) {
	_, err := tem.New(context.Background(), tem.Config{DatabasePath: ":memory:", Concurrency: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency must be positive")
}

func TestNew_DefaultsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{DatabasePath: ":memory:", Concurrency: 2})
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })

	id, err := e.Tasks.Create(ctx, tem.NewTaskInput{Type: "greet"})
	require.NoError(t, err)

	got, err := e.Tasks.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMaxAttempt, got.MaxAttempt)
}

func TestNew_WiresDefaultMaxAttemptsFromConfig(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{DatabasePath: ":memory:", Concurrency: 2, DefaultMaxAttempts: 7})
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })

	id, err := e.Tasks.Create(ctx, tem.NewTaskInput{Type: "greet"})
	require.NoError(t, err)

	got, err := e.Tasks.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxAttempt, "cfg.DefaultMaxAttempts must flow through to new tasks")
}

func TestNew_InitialisesObservabilityWhenEnabled(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{
		DatabasePath:  ":memory:",
		Concurrency:   2,
		Observability: &observability.Config{Enabled: true, ServiceName: "tem-test"},
	})
	require.NoError(t, err)

	require.NotNil(t, e.Providers)
	assert.NotNil(t, e.Providers.TracerProvider)
	assert.NotNil(t, e.Providers.MeterProvider)

	// Stop flushes and shuts the providers down along with the store.
	require.NoError(t, e.Stop())
}

func TestNew_ObservabilityDisabledLeavesProvidersNil(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{
		DatabasePath:  ":memory:",
		Concurrency:   1,
		Observability: &observability.Config{Enabled: false},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })

	assert.Nil(t, e.Providers)
}

func TestStartStop_RunsWorkerAndStopsCleanly(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{DatabasePath: ":memory:", Concurrency: 2, PollIntervalMs: 10})
	require.NoError(t, err)

	e.Worker.RegisterHandler("greet", func(tc *worker.TaskContext, payload []byte) ([]byte, error) {
		return []byte(`{}`), nil
	})

	b, err := e.Batches.Create(ctx, batch.CreateInput{Code: "FACADE"})
	require.NoError(t, err)

	_, err = e.Tasks.Create(ctx, tem.NewTaskInput{BatchID: &b.ID, Type: "greet"})
	require.NoError(t, err)

	e.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, statErr := e.Batches.GetStats(ctx, b.ID)
		require.NoError(t, statErr)
		if stats.Completed == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats, err := e.Batches.GetStats(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	require.NoError(t, e.Stop())
}

func TestBatches_ReconcileStuckOnDemand(t *testing.T) {
	ctx := context.Background()
	e, err := tem.New(ctx, tem.Config{DatabasePath: ":memory:", Concurrency: 1})
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })

	b, err := e.Batches.Create(ctx, batch.CreateInput{Code: "STUCK-FACADE"})
	require.NoError(t, err)

	id, err := e.Tasks.Create(ctx, tem.NewTaskInput{BatchID: &b.ID, Type: "greet"})
	require.NoError(t, err)
	claimed, err := e.Tasks.Claim(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.NoError(t, e.Tasks.Complete(ctx, id, []byte(`{}`)))

	n, err := e.Batches.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := e.Batches.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
}
