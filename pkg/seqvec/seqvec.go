// Package seqvec provides an embedded, SQLite-backed record log with
// queryable metadata projections.
//
// Open wires the pieces together: it migrates the schema, builds the
// log store, and hands out per-topic metadata segments. All components
// share one database handle.
package seqvec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/seqvec/seqvec/pkg/migrate"
	"github.com/seqvec/seqvec/pkg/segment"
	"github.com/seqvec/seqvec/pkg/wal"
)

// ErrStoreClosed is returned for operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Config represents store configuration.
type Config struct {
	Path         string          // Database file path
	MaxBatchSize int             // Submit batch limit (0 for default)
	Logger       *zerolog.Logger // Structured logger (nil for stderr default)
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		MaxBatchSize: wal.DefaultMaxBatchSize,
	}
}

// DB is an open store instance.
type DB struct {
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	db     *sql.DB
	wal    *wal.Log
	closed bool
}

// Open opens or creates a store, applying any pending schema migrations.
func Open(config Config) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("seqvec: database path is required")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	// _journal_mode=WAL: Better concurrency
	// _synchronous=NORMAL: Good balance of safety and speed
	// _busy_timeout=5000: Wait up to 5s for lock instead of failing immediately
	// _cache_size=-2000: Use 2MB of memory for cache (negative value = kb)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("seqvec: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seqvec: failed to enable foreign keys: %w", err)
	}

	ctx := context.Background()
	engine, err := migrate.NewEngine(db, migrate.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seqvec: failed to build migration engine: %w", err)
	}
	if err := engine.Apply(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seqvec: failed to migrate: %w", err)
	}

	s := &DB{
		config: config,
		logger: logger,
		db:     db,
	}
	s.wal = s.newLog()

	logger.Debug().Str("path", config.Path).Msg("store opened")
	return s, nil
}

func (s *DB) newLog() *wal.Log {
	opts := []wal.Option{wal.WithLogger(s.logger)}
	if s.config.MaxBatchSize > 0 {
		opts = append(opts, wal.WithMaxBatchSize(s.config.MaxBatchSize))
	}
	return wal.NewLog(s.db, opts...)
}

// GetDB exposes the underlying database handle.
func (s *DB) GetDB() *sql.DB {
	return s.db
}

// Log returns the record log.
func (s *DB) Log() *wal.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal
}

// Segment returns a stopped metadata segment projecting the given topic.
// Callers start it, and stop it before Close.
func (s *DB) Segment(topic string, opts ...segment.Option) (*segment.MetadataSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("seqvec: %w", ErrStoreClosed)
	}
	opts = append([]segment.Option{segment.WithLogger(s.logger)}, opts...)
	return segment.New(s.db, s.wal, topic, opts...), nil
}

// Close closes the store. Segments must be stopped first.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Reset drops every table and re-applies the schema from scratch. Logs,
// segments and seq id counters are all discarded; previously handed-out
// Log and Segment instances are invalid afterwards.
func (s *DB) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("seqvec: %w", ErrStoreClosed)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("seqvec: failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("seqvec: failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
			return fmt.Errorf("seqvec: failed to drop table %q: %w", table, err)
		}
	}

	engine, err := migrate.NewEngine(s.db, migrate.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("seqvec: failed to build migration engine: %w", err)
	}
	if err := engine.Apply(ctx); err != nil {
		return fmt.Errorf("seqvec: failed to re-migrate: %w", err)
	}

	// The old log caches seq id positions; hand out a fresh one.
	s.wal = s.newLog()
	s.logger.Debug().Str("path", s.config.Path).Msg("store reset")
	return nil
}
