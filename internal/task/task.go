// Package task implements the Task Service: CRUD over tasks plus the
// atomic claim and terminal-transition operations described in component
// design §4.2. The claim is grounded in the teacher's GetNextTask, which
// locks a row with `FOR UPDATE SKIP LOCKED` before a follow-up UPDATE;
// this service collapses that two-statement Postgres pattern into a
// single conditional `UPDATE ... RETURNING`, which SQLite supports and
// which the specification calls out as the preferred implementation when
// available.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/Harvey-AU/tem/internal/model"
	"github.com/Harvey-AU/tem/internal/observability"
	"github.com/Harvey-AU/tem/internal/store"
)

// ErrNotFound is returned when a task lookup by id finds nothing.
var ErrNotFound = errors.New("task: not found")

// CreateInput describes a task to be inserted. IdempotencyKey is optional;
// when set, CreateMany dedupes inputs sharing the same key within a single
// call (§4 "createMany duplicate dedup-on-insert"), keeping the first
// occurrence and discarding the rest.
type CreateInput struct {
	BatchID        *string
	Type           string
	Payload        []byte
	MaxAttempt     int
	IdempotencyKey string
}

// Service is the Task Service bound to a Store handle.
type Service struct {
	store             *store.Store
	defaultMaxAttempt int
}

// New constructs a Task Service over the given store, using
// model.DefaultMaxAttempt as the fallback retry budget for tasks created
// without an explicit MaxAttempt.
func New(s *store.Store) *Service {
	return &Service{store: s, defaultMaxAttempt: model.DefaultMaxAttempt}
}

// NewWithDefaultMaxAttempt constructs a Task Service whose fallback retry
// budget is the facade's configured DefaultMaxAttempts (§6 configuration)
// rather than the package default.
func NewWithDefaultMaxAttempt(s *store.Store, defaultMaxAttempt int) *Service {
	if defaultMaxAttempt <= 0 {
		defaultMaxAttempt = model.DefaultMaxAttempt
	}
	return &Service{store: s, defaultMaxAttempt: defaultMaxAttempt}
}

// Create inserts a pending task and returns its id.
func (s *Service) Create(ctx context.Context, in CreateInput) (string, error) {
	maxAttempt := in.MaxAttempt
	if maxAttempt <= 0 {
		maxAttempt = s.defaultMaxAttempt
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.store.Execute(ctx, `
		INSERT INTO task (id, batch_id, type, status, payload, attempt, max_attempt, version, created_at)
		VALUES (?, ?, ?, 'pending', ?, 0, ?, 0, ?)
	`, id, in.BatchID, in.Type, in.Payload, maxAttempt, now)
	if err != nil {
		sentry.CaptureException(err)
		return "", fmt.Errorf("task: create: %w", err)
	}
	return id, nil
}

// CreateMany inserts inputs inside a single transaction: either every
// deduped input is persisted or none is (§8 property 7). Inputs sharing a
// non-empty IdempotencyKey are deduped before insertion, keeping the first
// occurrence (§4 "createMany duplicate dedup-on-insert").
func (s *Service) CreateMany(ctx context.Context, inputs []CreateInput) ([]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	deduped := dedupeByIdempotencyKey(inputs)
	ids := make([]string, len(deduped))
	now := time.Now().UTC()

	err := s.store.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO task (id, batch_id, type, status, payload, attempt, max_attempt, version, created_at)
			VALUES (?, ?, ?, 'pending', ?, 0, ?, 0, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, in := range deduped {
			maxAttempt := in.MaxAttempt
			if maxAttempt <= 0 {
				maxAttempt = s.defaultMaxAttempt
			}
			id := uuid.NewString()
			if _, err := stmt.ExecContext(ctx, id, in.BatchID, in.Type, in.Payload, maxAttempt, now); err != nil {
				return fmt.Errorf("insert task %d: %w", i, err)
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("task: create many: %w", err)
	}
	return ids, nil
}

// dedupeByIdempotencyKey drops inputs whose IdempotencyKey repeats an
// earlier input's key, keeping the first occurrence. Inputs with an empty
// key are never deduped against one another.
func dedupeByIdempotencyKey(inputs []CreateInput) []CreateInput {
	seen := make(map[string]struct{}, len(inputs))
	out := make([]CreateInput, 0, len(inputs))
	for _, in := range inputs {
		if in.IdempotencyKey == "" {
			out = append(out, in)
			continue
		}
		if _, ok := seen[in.IdempotencyKey]; ok {
			continue
		}
		seen[in.IdempotencyKey] = struct{}{}
		out = append(out, in)
	}
	return out
}

// GetByID fetches a single task.
func (s *Service) GetByID(ctx context.Context, id string) (*model.Task, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, batch_id, type, status, payload, result, error, attempt, max_attempt, claimed_at, completed_at, version, created_at
		FROM task WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task: get: %w", err)
	}
	return t, nil
}

// Claim atomically transitions the oldest pending task (optionally
// restricted to batchID) to running, stamping claimed_at and incrementing
// attempt and version. Returns (nil, nil) when nothing was claimable.
func (s *Service) Claim(ctx context.Context, batchID string) (*model.Task, error) {
	start := time.Now()
	now := start.UTC()

	var row *sql.Row
	if batchID != "" {
		row = s.store.QueryRow(ctx, `
			UPDATE task
			SET status = 'running', claimed_at = ?, attempt = attempt + 1, version = version + 1
			WHERE id = (
				SELECT id FROM task
				WHERE status = 'pending' AND batch_id = ?
				ORDER BY created_at ASC
				LIMIT 1
			)
			AND status = 'pending'
			RETURNING id, batch_id, type, status, payload, result, error, attempt, max_attempt, claimed_at, completed_at, version, created_at
		`, now, batchID)
	} else {
		row = s.store.QueryRow(ctx, `
			UPDATE task
			SET status = 'running', claimed_at = ?, attempt = attempt + 1, version = version + 1
			WHERE id = (
				SELECT id FROM task
				WHERE status = 'pending'
				ORDER BY created_at ASC
				LIMIT 1
			)
			AND status = 'pending'
			RETURNING id, batch_id, type, status, payload, result, error, attempt, max_attempt, claimed_at, completed_at, version, created_at
		`, now)
	}

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		observability.RecordClaimAttempt(ctx, "empty", time.Since(start))
		return nil, nil
	}
	if err != nil {
		observability.RecordClaimAttempt(ctx, "error", time.Since(start))
		sentry.CaptureException(err)
		return nil, fmt.Errorf("task: claim: %w", err)
	}
	observability.RecordClaimAttempt(ctx, "claimed", time.Since(start))
	return t, nil
}

// Complete writes the terminal completed state. Not guarded by status:
// callers are expected to hold a running task.
func (s *Service) Complete(ctx context.Context, id string, result []byte) error {
	now := time.Now().UTC()
	_, err := s.store.Execute(ctx, `
		UPDATE task SET status = 'completed', result = ?, completed_at = ?, version = version + 1
		WHERE id = ?
	`, result, now, id)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("task: complete: %w", err)
	}
	return nil
}

// Fail writes the terminal failed state.
func (s *Service) Fail(ctx context.Context, id string, message string) error {
	now := time.Now().UTC()
	_, err := s.store.Execute(ctx, `
		UPDATE task SET status = 'failed', error = ?, completed_at = ?, version = version + 1
		WHERE id = ?
	`, message, now, id)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("task: fail: %w", err)
	}
	return nil
}

// Retry resets a task to pending, clearing claimed_at and bumping version.
// attempt is left unchanged: it was already incremented on the prior claim.
func (s *Service) Retry(ctx context.Context, id string, message string) error {
	_, err := s.store.Execute(ctx, `
		UPDATE task SET status = 'pending', claimed_at = NULL, error = ?, version = version + 1
		WHERE id = ?
	`, message, id)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("task: retry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var batchID sql.NullString
	var payload, result sql.NullString
	var errMsg sql.NullString
	var claimedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &batchID, &t.Type, &t.Status, &payload, &result, &errMsg,
		&t.Attempt, &t.MaxAttempt, &claimedAt, &completedAt, &t.Version, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if batchID.Valid {
		v := batchID.String
		t.BatchID = &v
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if claimedAt.Valid {
		v := claimedAt.Time
		t.ClaimedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}

	return &t, nil
}
