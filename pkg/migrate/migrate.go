// Package migrate evolves the backing schema and verifies that the applied
// history is a strict, hash-identical prefix of the source migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
)

// ScopeSQLite selects migration files written for the SQLite dialect.
const ScopeSQLite = "sqlite"

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS migrations (
	dir TEXT NOT NULL,
	version INTEGER NOT NULL,
	filename TEXT NOT NULL,
	sql TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (dir, version)
)`

// Engine validates and applies schema migrations for one store.
type Engine struct {
	db    *sql.DB
	byDir map[string][]Migration
	dirs  []string
	log   zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	source fs.FS
	scope  string
	logger *zerolog.Logger
}

// WithSource overrides the embedded migration sources. Used by tests to
// feed synthetic migration sets.
func WithSource(fsys fs.FS) Option {
	return func(o *options) { o.source = fsys }
}

// WithScope overrides the dialect scope used to select source files.
func WithScope(scope string) Option {
	return func(o *options) { o.scope = scope }
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// NewEngine loads migration sources and returns an engine bound to db.
func NewEngine(db *sql.DB, opts ...Option) (*Engine, error) {
	o := options{source: Embedded(), scope: ScopeSQLite}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	byDir, dirs, err := loadSource(o.source, o.scope)
	if err != nil {
		return nil, err
	}

	return &Engine{db: db, byDir: byDir, dirs: dirs, log: logger}, nil
}

// Validate compares applied migrations against the source positionally.
// It fails with ErrUninitializedMigrations when the migrations table is
// missing, InconsistentVersionError or InconsistentHashError when the
// applied history diverged, and UnappliedMigrationsError when the source
// is ahead of the store.
func (e *Engine) Validate(ctx context.Context) error {
	initialized, err := e.initialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		return ErrUninitializedMigrations
	}

	for _, dir := range e.dirs {
		pending, err := e.pending(ctx, dir)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return &UnappliedMigrationsError{Dir: dir, Pending: len(pending)}
		}
	}
	return nil
}

// Apply executes and records every unapplied migration, each in its own
// transaction. It is idempotent when nothing is pending.
func (e *Engine) Apply(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("migrate: failed to create migrations table: %w", err)
	}

	for _, dir := range e.dirs {
		pending, err := e.pending(ctx, dir)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if err := e.applyOne(ctx, m); err != nil {
				return err
			}
			e.log.Info().
				Str("dir", m.Dir).
				Int("version", m.Version).
				Str("filename", m.Filename).
				Msg("applied migration")
		}
	}
	return nil
}

// applyOne executes and records a single migration transactionally.
func (e *Engine) applyOne(ctx context.Context, m Migration) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migrate: failed to execute %s/%s: %w", m.Dir, m.Filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO migrations (dir, version, filename, sql, hash) VALUES (?, ?, ?, ?, ?)",
		m.Dir, m.Version, m.Filename, m.SQL, m.Hash); err != nil {
		return fmt.Errorf("migrate: failed to record %s/%s: %w", m.Dir, m.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: failed to commit %s/%s: %w", m.Dir, m.Filename, err)
	}
	return nil
}

// pending compares applied vs. source migrations for one directory and
// returns the source suffix still to be applied.
func (e *Engine) pending(ctx context.Context, dir string) ([]Migration, error) {
	source := e.byDir[dir]
	applied, err := e.applied(ctx, dir)
	if err != nil {
		return nil, err
	}

	if len(applied) > len(source) {
		return nil, &InconsistentVersionError{
			Dir:     dir,
			Applied: applied[len(source)].Version,
			Source:  0,
		}
	}

	for i, a := range applied {
		s := source[i]
		if a.Version != s.Version {
			return nil, &InconsistentVersionError{Dir: dir, Applied: a.Version, Source: s.Version}
		}
		if a.Hash != s.Hash {
			return nil, &InconsistentHashError{Dir: dir, Version: s.Version, Applied: a.Hash, Source: s.Hash}
		}
	}

	return source[len(applied):], nil
}

// applied reads the recorded migrations for one directory in version order.
func (e *Engine) applied(ctx context.Context, dir string) ([]Migration, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT dir, version, filename, sql, hash FROM migrations WHERE dir = ? ORDER BY version",
		dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: failed to query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var applied []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Dir, &m.Version, &m.Filename, &m.SQL, &m.Hash); err != nil {
			return nil, fmt.Errorf("migrate: failed to scan applied migration: %w", err)
		}
		applied = append(applied, m)
	}
	return applied, rows.Err()
}

// initialized reports whether the migrations table exists.
func (e *Engine) initialized(ctx context.Context) (bool, error) {
	var exists bool
	err := e.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'migrations')").
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("migrate: failed to probe migrations table: %w", err)
	}
	return exists, nil
}
