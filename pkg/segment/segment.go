// Package segment materializes one topic's log into a typed, queryable
// row set: the metadata projection.
//
// A segment consumes its topic through a log subscription, applies records
// idempotently (delivery is at-least-once), and persists its high-water
// mark atomically with each row mutation. Reads are answered from the
// materialized rows via the query compiler.
package segment

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seqvec/seqvec/pkg/wal"
)

// DocumentKey is the reserved metadata key whose string value feeds the
// full-text index.
const DocumentKey = "$document"

// Row is a materialized segment row. Metadata values occupy one typed slot
// each: string, int64, float64 or bool.
type Row struct {
	InternalID int64
	ID         string
	SeqID      int64
	Metadata   map[string]any
}

// MetadataSegment projects one topic into queryable rows.
type MetadataSegment struct {
	id    uuid.UUID
	topic string
	db    *sql.DB
	wal   *wal.Log
	log   zerolog.Logger

	// mu serializes the apply loop: the high-water mark write and the row
	// mutations are logically one atomic step, so two deliveries must not
	// interleave. It also guards the lifecycle state.
	mu      sync.Mutex
	started bool
	subID   uuid.UUID
}

// Option configures a MetadataSegment.
type Option func(*MetadataSegment)

// WithID pins the segment id. Defaults to a fresh UUID; pass the stored id
// to resume an existing projection.
func WithID(id uuid.UUID) Option {
	return func(s *MetadataSegment) { s.id = id }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *MetadataSegment) { s.log = logger }
}

// New returns a stopped segment for a topic, backed by a migrated database
// and fed by the given log.
func New(db *sql.DB, log *wal.Log, topic string, opts ...Option) *MetadataSegment {
	s := &MetadataSegment{
		id:    uuid.New(),
		topic: topic,
		db:    db,
		wal:   log,
		log:   zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("segment_id", s.id.String()).Str("topic", topic).Logger()
	return s
}

// ID returns the segment id.
func (s *MetadataSegment) ID() uuid.UUID {
	return s.id
}

// Topic returns the topic this segment projects.
func (s *MetadataSegment) Topic() string {
	return s.topic
}

// Start registers the segment and subscribes to its topic at the durable
// high-water mark, or at the log's floor seq id on first run. Starting a
// running segment is a no-op.
func (s *MetadataSegment) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO segments (id, topic) VALUES (?, ?)",
		s.id.String(), s.topic); err != nil {
		s.mu.Unlock()
		return wrapError("start", fmt.Errorf("failed to register segment: %w", err))
	}

	start := s.wal.MinSeqID()
	mark, ok, err := s.readHighWaterMark(ctx)
	if err != nil {
		s.mu.Unlock()
		return wrapError("start", err)
	}
	if ok {
		start = mark
	}

	s.started = true
	// Subscribe outside the lock: backfill delivers synchronously into
	// apply, which takes it again.
	s.mu.Unlock()

	subID, err := s.wal.Subscribe(ctx, s.topic, s.apply, wal.WithStart(start))
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return wrapError("start", err)
	}

	s.mu.Lock()
	s.subID = subID
	s.mu.Unlock()

	s.log.Debug().Int64("start", start).Msg("segment started")
	return nil
}

// Stop unsubscribes from the topic. Stopping a stopped segment is a no-op.
func (s *MetadataSegment) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	subID := s.subID
	// Unsubscribe outside the lock: a submit in flight may hold the log's
	// lock while delivering into apply.
	s.mu.Unlock()

	s.wal.Unsubscribe(subID)
	s.log.Debug().Msg("segment stopped")
}

// HighWaterMark returns the seq id through which the segment has durably
// applied all records, and whether one has been recorded yet.
func (s *MetadataSegment) HighWaterMark(ctx context.Context) (int64, bool, error) {
	mark, ok, err := s.readHighWaterMark(ctx)
	if err != nil {
		return 0, false, wrapError("high_water_mark", err)
	}
	return mark, ok, nil
}

func (s *MetadataSegment) readHighWaterMark(ctx context.Context) (int64, bool, error) {
	var mark int64
	err := s.db.QueryRowContext(ctx,
		"SELECT seq_id FROM segment_high_water_mark WHERE segment_id = ?", s.id.String()).
		Scan(&mark)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read high-water mark: %w", err)
	}
	return mark, true, nil
}
