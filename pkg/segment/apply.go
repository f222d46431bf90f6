package segment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/seqvec/seqvec/pkg/wal"
)

// apply is the subscription callback. Records are applied in the order
// received within one transaction, and the high-water mark is advanced in
// that same transaction. Row-level anomalies (duplicate add, missing
// update/delete target) are logged and dropped, never raised: delivery is
// at-least-once and replay must be idempotent.
func (s *MetadataSegment) apply(records []wal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return wrapError("apply", ErrNotRunning)
	}
	if len(records) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("apply", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		if err := s.applyOne(ctx, tx, rec); err != nil {
			return wrapError("apply", err)
		}
	}

	last := records[len(records)-1].SeqID
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO segment_high_water_mark (segment_id, topic, seq_id) VALUES (?, ?, ?)
		ON CONFLICT (segment_id) DO UPDATE SET seq_id = excluded.seq_id`,
		s.id.String(), s.topic, last); err != nil {
		return wrapError("apply", fmt.Errorf("failed to advance high-water mark: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return wrapError("apply", fmt.Errorf("failed to commit batch: %w", err))
	}
	return nil
}

func (s *MetadataSegment) applyOne(ctx context.Context, tx *sql.Tx, rec wal.Record) error {
	internalID, exists, err := s.lookupRow(ctx, tx, rec.ID)
	if err != nil {
		return err
	}

	switch rec.Operation {
	case wal.Add:
		if exists {
			s.log.Warn().
				Str("id", rec.ID).
				Int64("seq_id", rec.SeqID).
				Msg("duplicate add dropped")
			return nil
		}
		return s.insertRow(ctx, tx, rec)

	case wal.Upsert:
		if exists {
			return s.updateRow(ctx, tx, internalID, rec)
		}
		return s.insertRow(ctx, tx, rec)

	case wal.Update:
		if !exists {
			s.log.Warn().
				Str("id", rec.ID).
				Int64("seq_id", rec.SeqID).
				Msg("update for missing row dropped")
			return nil
		}
		return s.updateRow(ctx, tx, internalID, rec)

	case wal.Delete:
		if !exists {
			s.log.Warn().
				Str("id", rec.ID).
				Int64("seq_id", rec.SeqID).
				Msg("delete for missing row dropped")
			return nil
		}
		return s.deleteRow(ctx, tx, internalID)

	default:
		s.log.Warn().
			Str("id", rec.ID).
			Int64("seq_id", rec.SeqID).
			Int("operation", int(rec.Operation)).
			Msg("unknown operation dropped")
		return nil
	}
}

// lookupRow resolves the internal id of an external id, if the row exists.
func (s *MetadataSegment) lookupRow(ctx context.Context, tx *sql.Tx, externalID string) (int64, bool, error) {
	var internalID int64
	err := tx.QueryRowContext(ctx,
		"SELECT internal_id FROM segment_rows WHERE segment_id = ? AND external_id = ?",
		s.id.String(), externalID).Scan(&internalID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up row %q: %w", externalID, err)
	}
	return internalID, true, nil
}

func (s *MetadataSegment) insertRow(ctx context.Context, tx *sql.Tx, rec wal.Record) error {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO segment_rows (segment_id, external_id, seq_id) VALUES (?, ?, ?)",
		s.id.String(), rec.ID, rec.SeqID)
	if err != nil {
		return fmt.Errorf("failed to insert row %q: %w", rec.ID, err)
	}
	internalID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read internal id for %q: %w", rec.ID, err)
	}
	return s.setMetadata(ctx, tx, internalID, rec.Metadata)
}

func (s *MetadataSegment) updateRow(ctx context.Context, tx *sql.Tx, internalID int64, rec wal.Record) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE segment_rows SET seq_id = ? WHERE internal_id = ?",
		rec.SeqID, internalID); err != nil {
		return fmt.Errorf("failed to update row %q: %w", rec.ID, err)
	}
	return s.setMetadata(ctx, tx, internalID, rec.Metadata)
}

func (s *MetadataSegment) deleteRow(ctx context.Context, tx *sql.Tx, internalID int64) error {
	for _, stmt := range []string{
		"DELETE FROM segment_metadata WHERE internal_id = ?",
		"DELETE FROM segment_fulltext WHERE internal_id = ?",
		"DELETE FROM segment_rows WHERE internal_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, internalID); err != nil {
			return fmt.Errorf("failed to delete row: %w", err)
		}
	}
	return nil
}

// setMetadata applies a record's metadata to a row. A nil value deletes
// the key; a non-nil value replaces it as delete-then-insert. The reserved
// document key additionally maintains the full-text table.
func (s *MetadataSegment) setMetadata(ctx context.Context, tx *sql.Tx, internalID int64, metadata map[string]any) error {
	for key, value := range metadata {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM segment_metadata WHERE internal_id = ? AND key = ?",
			internalID, key); err != nil {
			return fmt.Errorf("failed to clear metadata key %q: %w", key, err)
		}
		if key == DocumentKey {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM segment_fulltext WHERE internal_id = ?", internalID); err != nil {
				return fmt.Errorf("failed to clear document: %w", err)
			}
		}
		if value == nil {
			continue
		}

		var stringValue, intValue, floatValue, boolValue any
		switch v := value.(type) {
		case string:
			stringValue = v
		case int64:
			intValue = v
		case float64:
			floatValue = v
		case bool:
			boolValue = v
		default:
			// The log normalizes values before commit; anything else is a
			// replay anomaly, logged and dropped.
			s.log.Warn().
				Str("key", key).
				Str("type", fmt.Sprintf("%T", value)).
				Msg("metadata value with unsupported type dropped")
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segment_metadata (internal_id, key, string_value, int_value, float_value, bool_value)
			VALUES (?, ?, ?, ?, ?, ?)`,
			internalID, key, stringValue, intValue, floatValue, boolValue); err != nil {
			return fmt.Errorf("failed to insert metadata key %q: %w", key, err)
		}

		if key == DocumentKey {
			if text, ok := value.(string); ok {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO segment_fulltext (internal_id, text) VALUES (?, ?)",
					internalID, text); err != nil {
					return fmt.Errorf("failed to index document: %w", err)
				}
			}
		}
	}
	return nil
}
