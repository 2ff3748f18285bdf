// Package store implements the embeddable, single-process, transactional
// layer the rest of the engine persists through. It wraps a SQLite file
// with WAL journaling and a busy-timeout, exposing the narrow
// query/execute/transaction surface the engine's services build on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Config controls how the Store opens its backing file.
type Config struct {
	// Path is the SQLite file location, or ":memory:" for an ephemeral
	// store (useful in tests).
	Path string
	// BusyTimeout bounds how long a write waits on a locked database
	// before SQLITE_BUSY is returned to the caller.
	BusyTimeout time.Duration
	// MaxOpenConns caps concurrent connections. SQLite is single-writer;
	// a small pool avoids SQLITE_BUSY storms under concurrent readers.
	MaxOpenConns int
}

// DefaultConfig returns sensible defaults for an embedded single-process
// store.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Store is the persistent, transactional layer described in component
// design §4.1.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open opens (and if necessary creates) the SQLite file at cfg.Path,
// applies WAL journaling and the configured busy-timeout, and runs the
// engine's schema migrations idempotently.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.Path == ":memory:" {
		// Each pooled connection to ":memory:" opens an independent
		// database unless the pool is pinned to a single connection;
		// WAL is file-backed only, so fall back to the default journal.
		cfg.MaxOpenConns = 1
		db, err := sql.Open("sqlite3", fmt.Sprintf("file::memory:?_busy_timeout=%d&_foreign_keys=on",
			cfg.BusyTimeout.Milliseconds()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		s := &Store{db: db, cfg: cfg}
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		log.Debug().Str("path", cfg.Path).Msg("store opened")
		return s, nil
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Debug().Str("path", cfg.Path).Msg("store opened")
	return s, nil
}

// Query runs a read query and returns the resulting rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read query expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Execute runs a single write statement outside an explicit transaction
// (SQLite wraps it in an implicit one) and returns the driver result.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Transaction runs fn inside an atomic boundary. Any error returned by fn
// aborts the transaction; a panic inside fn is recovered, the transaction
// rolled back, and the panic re-raised.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed after transaction error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers (e.g. the diagnostic CLI)
// that only need read access and do not want the Store's higher-level
// wrappers.
func (s *Store) DB() *sql.DB {
	return s.db
}
