// Package wal implements the durable, per-topic append-only record log
// with subscription-based replay.
//
// Seq ids are assigned at commit and are strictly increasing within a
// topic, never reused, even after purge or topic deletion. Delivery is
// synchronous and in-process: Submit commits its transaction, then invokes
// subscriber callbacks before returning.
package wal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seqvec/seqvec/internal/encoding"
)

// Operation is the mutation kind carried by a log record.
type Operation int

const (
	Add Operation = iota
	Update
	Upsert
	Delete
)

func (op Operation) String() string {
	switch op {
	case Add:
		return "add"
	case Update:
		return "update"
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// OperationRecord is a single inbound mutation to be appended to a topic.
type OperationRecord struct {
	ID        string
	Operation Operation
	Embedding []float64
	Encoding  encoding.Encoding
	Metadata  map[string]any
}

// Record is a committed log record as delivered to subscribers.
type Record struct {
	Topic     string
	SeqID     int64
	Operation Operation
	ID        string
	Embedding []float64
	Encoding  encoding.Encoding
	Metadata  map[string]any
}

// DefaultMaxBatchSize bounds the number of records accepted by one Submit.
const DefaultMaxBatchSize = 1000

// Log is the per-topic append-only record log. A single instance owns the
// subscriber registry for its database; subscription lifetime equals Log
// instance lifetime.
type Log struct {
	db           *sql.DB
	log          zerolog.Logger
	maxBatchSize int
	rethrow      bool

	// mu spans "assign seq ids, commit, notify" on the submit side and
	// "read max, backfill, register" on the subscribe side. That overlap
	// is what makes backfill-then-live delivery exactly-once.
	mu      sync.Mutex
	subs    map[string]map[uuid.UUID]*subscription
	byID    map[uuid.UUID]string
	lastSeq map[string]int64
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.log = logger }
}

// WithMaxBatchSize overrides the submit batch limit.
func WithMaxBatchSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBatchSize = n
		}
	}
}

// WithRethrow makes callback panics propagate to the writer. Test-only.
func WithRethrow() Option {
	return func(l *Log) { l.rethrow = true }
}

// NewLog returns a Log backed by a migrated database.
func NewLog(db *sql.DB, opts ...Option) *Log {
	l := &Log{
		db:           db,
		log:          zerolog.New(os.Stderr).With().Timestamp().Logger(),
		maxBatchSize: DefaultMaxBatchSize,
		subs:         make(map[string]map[uuid.UUID]*subscription),
		byID:         make(map[uuid.UUID]string),
		lastSeq:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxBatchSize returns the submit batch limit.
func (l *Log) MaxBatchSize() int {
	return l.maxBatchSize
}

// MinSeqID returns the floor seq id, strictly below any id the log will
// ever assign. Subscribing at MinSeqID replays a topic from the beginning.
func (l *Log) MinSeqID() int64 {
	return 0
}

// MaxSeqID returns the last seq id assigned for a topic, or MinSeqID when
// the topic has never been written.
func (l *Log) MaxSeqID(ctx context.Context, topic string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position(ctx, topic)
}

// position returns the topic's last assigned seq id. Callers hold l.mu.
func (l *Log) position(ctx context.Context, topic string) (int64, error) {
	if last, ok := l.lastSeq[topic]; ok {
		return last, nil
	}
	var last int64
	err := l.db.QueryRowContext(ctx,
		"SELECT seq_id FROM log_position WHERE topic = ?", topic).Scan(&last)
	if err == sql.ErrNoRows {
		last = 0
	} else if err != nil {
		return 0, fmt.Errorf("wal: failed to read log position for topic %q: %w", topic, err)
	}
	l.lastSeq[topic] = last
	return last, nil
}

// Submit appends records to a topic in one transaction, returning the
// assigned seq ids in input order. After commit it synchronously notifies
// every current subscription of the topic.
func (l *Log) Submit(ctx context.Context, topic string, records []OperationRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) > l.maxBatchSize {
		return nil, fmt.Errorf("wal: %w: %d > %d", ErrBatchTooLarge, len(records), l.maxBatchSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.position(ctx, topic)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO log (topic, seq_id, operation, id, vector, encoding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	seqIDs := make([]int64, len(records))
	committed := make([]Record, len(records))
	for i, rec := range records {
		metadata, err := normalizeMetadata(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("wal: record %q: %w", rec.ID, err)
		}
		metadataJSON, err := encodeMetadata(metadata)
		if err != nil {
			return nil, fmt.Errorf("wal: record %q: %w", rec.ID, err)
		}

		var vectorBlob []byte
		var encName any
		if rec.Embedding != nil {
			enc := rec.Encoding
			if enc == "" {
				enc = encoding.EncodingFloat64
			}
			vectorBlob, err = encoding.EncodeVector(rec.Embedding, enc)
			if err != nil {
				return nil, fmt.Errorf("wal: record %q: %w", rec.ID, err)
			}
			encName = string(enc)
		}

		last++
		if _, err := stmt.ExecContext(ctx, topic, last, int(rec.Operation), rec.ID,
			vectorBlob, encName, metadataJSON); err != nil {
			return nil, fmt.Errorf("wal: failed to insert record %q: %w", rec.ID, err)
		}

		seqIDs[i] = last
		committed[i] = Record{
			Topic:     topic,
			SeqID:     last,
			Operation: rec.Operation,
			ID:        rec.ID,
			Embedding: rec.Embedding,
			Encoding:  rec.Encoding,
			Metadata:  metadata,
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_position (topic, seq_id) VALUES (?, ?)
		ON CONFLICT (topic) DO UPDATE SET seq_id = excluded.seq_id`,
		topic, last); err != nil {
		return nil, fmt.Errorf("wal: failed to advance log position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wal: failed to commit batch: %w", err)
	}
	l.lastSeq[topic] = last

	l.notify(topic, committed)
	return seqIDs, nil
}

// Clean deletes log rows at or below the minimum high-water mark over all
// registered projectors of the topic, returning the number of rows removed.
// A projector with no recorded high-water mark blocks the purge entirely;
// so does a topic with no registered projectors.
func (l *Log) Clean(ctx context.Context, topic string) (int64, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT id FROM segments WHERE topic = ?", topic)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to list segments for topic %q: %w", topic, err)
	}
	defer func() { _ = rows.Close() }()

	var segmentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("wal: failed to scan segment id: %w", err)
		}
		segmentIDs = append(segmentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(segmentIDs) == 0 {
		l.log.Debug().Str("topic", topic).Msg("no registered projectors, skipping purge")
		return 0, nil
	}

	minMark := int64(-1)
	for _, segmentID := range segmentIDs {
		var mark int64
		err := l.db.QueryRowContext(ctx,
			"SELECT seq_id FROM segment_high_water_mark WHERE segment_id = ?", segmentID).
			Scan(&mark)
		if err == sql.ErrNoRows {
			// An unknown high-water mark means the projector has not
			// consumed anything yet, so nothing is safe to purge.
			l.log.Debug().
				Str("topic", topic).
				Str("segment_id", segmentID).
				Msg("projector without high-water mark blocks purge")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("wal: failed to read high-water mark for segment %q: %w", segmentID, err)
		}
		if minMark < 0 || mark < minMark {
			minMark = mark
		}
	}

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM log WHERE topic = ? AND seq_id <= ?", topic, minMark)
	if err != nil {
		return 0, fmt.Errorf("wal: failed to purge topic %q: %w", topic, err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wal: failed to count purged rows: %w", err)
	}
	if purged > 0 {
		l.log.Debug().
			Str("topic", topic).
			Int64("through_seq_id", minMark).
			Int64("purged", purged).
			Msg("purged log rows")
	}
	return purged, nil
}

// DeleteTopic removes every log row for a topic. The topic's seq id
// counter survives, so ids are never reused.
func (l *Log) DeleteTopic(ctx context.Context, topic string) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM log WHERE topic = ?", topic); err != nil {
		return fmt.Errorf("wal: failed to delete topic %q: %w", topic, err)
	}
	return nil
}
