package store

import (
	"context"
	"fmt"
)

// migration is one idempotent schema step, tracked by name in the
// _migration table so re-opening an existing file never re-applies a step.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "0001_core_tables",
		sql: `
CREATE TABLE IF NOT EXISTS batch (
	id                     TEXT PRIMARY KEY,
	code                   TEXT NOT NULL UNIQUE,
	type                   TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','interrupted','completed')),
	created_at             TIMESTAMP NOT NULL,
	completed_at           TIMESTAMP,
	metadata               TEXT,
	interruption_criteria  TEXT
);

CREATE TABLE IF NOT EXISTS task (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT REFERENCES batch(id) ON DELETE CASCADE,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed')),
	payload       TEXT,
	result        TEXT,
	error         TEXT,
	attempt       INTEGER NOT NULL DEFAULT 0,
	max_attempt   INTEGER NOT NULL DEFAULT 3,
	claimed_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	version       INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_interrupt_log (
	id              TEXT PRIMARY KEY,
	batch_id        TEXT NOT NULL REFERENCES batch(id) ON DELETE CASCADE,
	reason          TEXT NOT NULL,
	message         TEXT NOT NULL DEFAULT '',
	stats_snapshot  TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
`,
	},
	{
		name: "0002_indexes",
		sql: `
CREATE INDEX IF NOT EXISTS idx_batch_type ON batch(type);
CREATE INDEX IF NOT EXISTS idx_batch_status ON batch(status);
CREATE INDEX IF NOT EXISTS idx_task_batch_id ON task(batch_id);
CREATE INDEX IF NOT EXISTS idx_task_status ON task(status);
CREATE INDEX IF NOT EXISTS idx_task_type ON task(type);
CREATE INDEX IF NOT EXISTS idx_task_status_claimed ON task(status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_task_pending_created ON task(status, created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_interrupt_log_batch ON batch_interrupt_log(batch_id);
`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _migration (
	name        TEXT PRIMARY KEY,
	applied_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM _migration WHERE name = ?`, m.name).Scan(&exists)
		if err == nil {
			continue // already applied
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO _migration (name) VALUES (?)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}

	return nil
}
