// Package interrupt implements the Interruption Controller of §4.6: a
// policy engine evaluating batch-level and engine-level thresholds
// against live statistics and worker-supplied counters, performing an
// atomic status transition plus audit log entry when a threshold fires.
// Grounded in the teacher's internal/jobs/domain_limiter.go (which already
// implements a narrower "cancel after N consecutive rate-limit hits"
// policy, CancelStreakThreshold/CancelDelayThreshold) and
// JobManager.CancelJob's transactional status-update-plus-log shape.
package interrupt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/observability"
	"github.com/Harvey-AU/tem/internal/store"
)

// Controller evaluates interruption policy for batches.
type Controller struct {
	store         *store.Store
	batches       *batch.Service
	engineDefault *model.BatchInterruptionCriteria

	// statsGroup coalesces the batch-row-plus-stats read that every worker
	// goroutine issues on each terminal task write, the same dedup shape as
	// the teacher's jobInfoGroup around repeated per-job DB lookups.
	statsGroup singleflight.Group
}

// New constructs a Controller. engineDefault, if non-nil, is merged over
// each batch's own criteria with engine-level values winning on conflict
// (the specification's pinned merge direction; see SPEC_FULL.md's
// open-question resolution notes in DESIGN.md).
func New(s *store.Store, batches *batch.Service, engineDefault *model.BatchInterruptionCriteria) *Controller {
	return &Controller{store: s, batches: batches, engineDefault: engineDefault}
}

type batchAndStats struct {
	batch *model.Batch
	stats model.BatchStats
}

// loadBatchAndStats fetches the batch row and its stats, coalescing
// concurrent callers for the same batchID into a single pair of reads.
func (c *Controller) loadBatchAndStats(ctx context.Context, batchID string) (*model.Batch, model.BatchStats, error) {
	v, err, _ := c.statsGroup.Do(batchID, func() (interface{}, error) {
		b, err := c.batches.GetByID(ctx, batchID)
		if err != nil {
			return nil, err
		}
		stats, err := c.batches.GetStats(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return batchAndStats{batch: b, stats: stats}, nil
	})
	if err != nil {
		return nil, model.BatchStats{}, err
	}
	bs := v.(batchAndStats)
	return bs.batch, bs.stats, nil
}

// IsBatchActive reports whether the batch exists and has status active.
func (c *Controller) IsBatchActive(ctx context.Context, batchID string) (bool, error) {
	b, err := c.batches.GetByID(ctx, batchID)
	if err != nil {
		if err == batch.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return b.Status == model.BatchStatusActive, nil
}

// CheckAndInterruptIfNeeded evaluates triggers in the specified order and,
// on the first trigger to fire, interrupts the batch and returns true.
func (c *Controller) CheckAndInterruptIfNeeded(ctx context.Context, batchID string, counters model.WorkerCounters) (bool, error) {
	b, stats, err := c.loadBatchAndStats(ctx, batchID)
	if err != nil {
		if err == batch.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if b.Status != model.BatchStatusActive {
		return false, nil
	}

	criteria := model.Merge(b.InterruptionCriteria, c.engineDefault)
	if criteria.IsEmpty() {
		return false, nil
	}

	reason, message, fired := evaluate(b, criteria, stats, counters)
	if !fired {
		return false, nil
	}

	if err := c.interrupt(ctx, batchID, reason, message, stats); err != nil {
		return false, err
	}
	return true, nil
}

// evaluate applies the trigger order fixed by §4.6: maxBatchRuntimeMs ->
// taskTimeoutMs -> maxConsecutiveFailures -> maxRateLimitHits ->
// maxConcurrencyErrors -> maxFailedTasks -> maxErrorRate.
func evaluate(b *model.Batch, criteria *model.BatchInterruptionCriteria, stats model.BatchStats, counters model.WorkerCounters) (model.InterruptionReason, string, bool) {
	if criteria.MaxBatchRuntimeMs != nil {
		runtimeMs := time.Since(b.CreatedAt).Milliseconds()
		if runtimeMs > *criteria.MaxBatchRuntimeMs {
			return model.ReasonBatchRuntimeExceeded,
				fmt.Sprintf("batch runtime %dms exceeded threshold %dms", runtimeMs, *criteria.MaxBatchRuntimeMs),
				true
		}
	}

	if criteria.TaskTimeoutMs != nil && counters.CurrentTaskRuntimeMs > *criteria.TaskTimeoutMs {
		return model.ReasonTaskTimeout,
			fmt.Sprintf("task runtime %dms exceeded timeout %dms", counters.CurrentTaskRuntimeMs, *criteria.TaskTimeoutMs),
			true
	}

	if criteria.MaxConsecutiveFailures != nil && counters.ConsecutiveFailures >= *criteria.MaxConsecutiveFailures {
		return model.ReasonConsecutiveFailures,
			fmt.Sprintf("%d consecutive failures reached threshold %d", counters.ConsecutiveFailures, *criteria.MaxConsecutiveFailures),
			true
	}

	if criteria.MaxRateLimitHits != nil && counters.RateLimitHits >= *criteria.MaxRateLimitHits {
		return model.ReasonRateLimitHitsExceeded,
			fmt.Sprintf("%d rate-limit hits reached threshold %d", counters.RateLimitHits, *criteria.MaxRateLimitHits),
			true
	}

	if criteria.MaxConcurrencyErrors != nil && counters.ConcurrencyErrors >= *criteria.MaxConcurrencyErrors {
		return model.ReasonConcurrencyErrorsExceeded,
			fmt.Sprintf("%d concurrency errors reached threshold %d", counters.ConcurrencyErrors, *criteria.MaxConcurrencyErrors),
			true
	}

	if criteria.MaxFailedTasks != nil && stats.Failed >= *criteria.MaxFailedTasks {
		return model.ReasonFailedTasksExceeded,
			fmt.Sprintf("%d failed tasks reached threshold %d", stats.Failed, *criteria.MaxFailedTasks),
			true
	}

	if criteria.MaxErrorRate != nil && stats.Total > 0 {
		rate := float64(stats.Failed) / float64(stats.Total)
		if rate > *criteria.MaxErrorRate {
			return model.ReasonErrorRateExceeded,
				fmt.Sprintf("error rate %.2f exceeded threshold %.2f", rate, *criteria.MaxErrorRate),
				true
		}
	}

	return "", "", false
}

// Interrupt is the manual entry point: callers invoke it directly (e.g.
// from an operator command) with reason "manual".
func (c *Controller) Interrupt(ctx context.Context, batchID, message string) error {
	stats, err := c.batches.GetStats(ctx, batchID)
	if err != nil {
		return err
	}
	return c.interrupt(ctx, batchID, model.ReasonManual, message, stats)
}

func (c *Controller) interrupt(ctx context.Context, batchID string, reason model.InterruptionReason, message string, stats model.BatchStats) error {
	snapshot, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("interrupt: marshal stats: %w", err)
	}

	txErr := c.store.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE batch SET status = 'interrupted' WHERE id = ?`, batchID); err != nil {
			return fmt.Errorf("update batch status: %w", err)
		}

		eventID := uuid.NewString()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_interrupt_log (id, batch_id, reason, message, stats_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, eventID, batchID, string(reason), message, snapshot, now); err != nil {
			return fmt.Errorf("insert interruption event: %w", err)
		}
		return nil
	})
	if txErr != nil {
		sentry.CaptureException(txErr)
		return fmt.Errorf("interrupt: %w", txErr)
	}

	observability.RecordInterruption(ctx, string(reason))
	log.Warn().Str("batch_id", batchID).Str("reason", string(reason)).Str("message", message).Msg("batch interrupted")
	return nil
}

// GetInterruptionLog returns events for a batch ordered most recent first.
func (c *Controller) GetInterruptionLog(ctx context.Context, batchID string) ([]model.InterruptionEvent, error) {
	rows, err := c.store.Query(ctx, `
		SELECT id, batch_id, reason, message, stats_snapshot, created_at
		FROM batch_interrupt_log WHERE batch_id = ? ORDER BY created_at DESC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("interrupt: get log: %w", err)
	}
	defer rows.Close()

	var events []model.InterruptionEvent
	for rows.Next() {
		var e model.InterruptionEvent
		var snapshot string
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Reason, &e.Message, &snapshot, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("interrupt: scan log: %w", err)
		}
		_ = json.Unmarshal([]byte(snapshot), &e.StatsSnapshot)
		events = append(events, e)
	}
	return events, rows.Err()
}
