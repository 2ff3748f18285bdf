// Package batch implements the Batch Service: CRUD over batches,
// aggregate statistics, and the bulk transitions (resume, retryFailed)
// used for crash recovery. Grounded in the teacher's JobManager
// (CreateJob/GetJob/CancelJob) and the stuck-job reconciliation query in
// internal/db/queue.go's CleanupStuckJobs, generalized from "crawl job"
// to "task batch".
package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/store"
)

// ErrNotFound is returned when a batch lookup finds nothing.
var ErrNotFound = errors.New("batch: not found")

// ErrDuplicateCode is returned when Create is called with a code already
// in use (batch.code is unique per §3 invariant 6).
var ErrDuplicateCode = errors.New("batch: code already in use")

// CreateInput describes a batch to be created.
type CreateInput struct {
	Code                 string
	Type                 string
	Metadata             []byte
	InterruptionCriteria *model.BatchInterruptionCriteria
}

// Service is the Batch Service bound to a Store handle.
type Service struct {
	store *store.Store
}

// New constructs a Batch Service over the given store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Create inserts a new active batch.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Batch, error) {
	criteriaJSON, err := marshalCriteria(in.InterruptionCriteria)
	if err != nil {
		return nil, fmt.Errorf("batch: marshal criteria: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err = s.store.Execute(ctx, `
		INSERT INTO batch (id, code, type, status, created_at, metadata, interruption_criteria)
		VALUES (?, ?, ?, 'active', ?, ?, ?)
	`, id, in.Code, in.Type, now, in.Metadata, criteriaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCode
		}
		sentry.CaptureException(err)
		return nil, fmt.Errorf("batch: create: %w", err)
	}

	return &model.Batch{
		ID:                   id,
		Code:                 in.Code,
		Type:                 in.Type,
		Status:               model.BatchStatusActive,
		CreatedAt:            now,
		Metadata:             in.Metadata,
		InterruptionCriteria: in.InterruptionCriteria,
	}, nil
}

// GetByID fetches a batch by id.
func (s *Service) GetByID(ctx context.Context, id string) (*model.Batch, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, code, type, status, created_at, completed_at, metadata, interruption_criteria
		FROM batch WHERE id = ?
	`, id)
	return scanBatch(row)
}

// GetByCode fetches a batch by its unique code.
func (s *Service) GetByCode(ctx context.Context, code string) (*model.Batch, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, code, type, status, created_at, completed_at, metadata, interruption_criteria
		FROM batch WHERE code = ?
	`, code)
	return scanBatch(row)
}

// List returns every batch, most recently created first.
func (s *Service) List(ctx context.Context) ([]*model.Batch, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, code, type, status, created_at, completed_at, metadata, interruption_criteria
		FROM batch ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("batch: list: %w", err)
	}
	defer rows.Close()

	var out []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("batch: list scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetStats computes the aggregated count-by-status snapshot in one query.
func (s *Service) GetStats(ctx context.Context, id string) (model.BatchStats, error) {
	row := s.store.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM task WHERE batch_id = ?
	`, id)

	var stats model.BatchStats
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Running, &stats.Completed, &stats.Failed); err != nil {
		return model.BatchStats{}, fmt.Errorf("batch: get stats: %w", err)
	}
	return stats, nil
}

// GetWithCriteria is a convenience accessor returning both the batch and
// its decoded interruption criteria.
func (s *Service) GetWithCriteria(ctx context.Context, id string) (*model.Batch, *model.BatchInterruptionCriteria, error) {
	b, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return b, b.InterruptionCriteria, nil
}

// Resume sets every running task in the batch back to pending. Used for
// crash recovery; safe to run when workers are stopped. Idempotent.
func (s *Service) Resume(ctx context.Context, id string) (int64, error) {
	res, err := s.store.Execute(ctx, `
		UPDATE task SET status = 'pending', claimed_at = NULL, version = version + 1
		WHERE batch_id = ? AND status = 'running'
	`, id)
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("batch: resume: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed sets every failed task in the batch to pending and resets
// attempt to 0. Idempotent.
func (s *Service) RetryFailed(ctx context.Context, id string) (int64, error) {
	res, err := s.store.Execute(ctx, `
		UPDATE task SET status = 'pending', attempt = 0, claimed_at = NULL, error = '', version = version + 1
		WHERE batch_id = ? AND status = 'failed'
	`, id)
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("batch: retry failed: %w", err)
	}
	return res.RowsAffected()
}

// UpdateStatus unconditionally changes a batch's status. Used by the
// interruption controller and by callers re-activating an interrupted
// batch.
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.BatchStatus) error {
	var completedAt any
	if status == model.BatchStatusCompleted {
		completedAt = time.Now().UTC()
	}

	query := `UPDATE batch SET status = ? WHERE id = ?`
	args := []any{status, id}
	if completedAt != nil {
		query = `UPDATE batch SET status = ?, completed_at = ? WHERE id = ?`
		args = []any{status, completedAt, id}
	}

	_, err := s.store.Execute(ctx, query, args...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("batch: update status: %w", err)
	}
	return nil
}

// ReconcileStuck marks batches completed whose tasks are all terminal but
// whose status still reads active. Mirrors the teacher's
// CleanupStuckJobs maintenance sweep; intended to be invoked periodically
// by the facade's background loop.
func (s *Service) ReconcileStuck(ctx context.Context) (int64, error) {
	res, err := s.store.Execute(ctx, `
		UPDATE batch SET status = 'completed', completed_at = CURRENT_TIMESTAMP
		WHERE status = 'active'
		AND id IN (
			SELECT batch_id FROM task WHERE batch_id IS NOT NULL
			GROUP BY batch_id
			HAVING COUNT(*) FILTER (WHERE status IN ('pending', 'running')) = 0 AND COUNT(*) > 0
		)
	`)
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("batch: reconcile stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("count", n).Msg("reconciled stuck batches")
	}
	return n, err
}

func marshalCriteria(c *model.BatchInterruptionCriteria) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*model.Batch, error) {
	var b model.Batch
	var completedAt sql.NullTime
	var metadata, criteria sql.NullString

	err := row.Scan(&b.ID, &b.Code, &b.Type, &b.Status, &b.CreatedAt, &completedAt, &metadata, &criteria)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch: scan: %w", err)
	}

	if completedAt.Valid {
		v := completedAt.Time
		b.CompletedAt = &v
	}
	if metadata.Valid {
		b.Metadata = []byte(metadata.String)
	}
	if criteria.Valid && criteria.String != "" {
		var c model.BatchInterruptionCriteria
		if err := json.Unmarshal([]byte(criteria.String), &c); err == nil {
			b.InterruptionCriteria = &c
		}
	}

	return &b, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
