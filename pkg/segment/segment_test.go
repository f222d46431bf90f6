package segment

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/seqvec/seqvec/pkg/migrate"
	"github.com/seqvec/seqvec/pkg/wal"
)

func openTestStore(t *testing.T) (*sql.DB, *wal.Log) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "segment_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := migrate.NewEngine(db, migrate.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, engine.Apply(context.Background()))

	return db, wal.NewLog(db, wal.WithLogger(zerolog.Nop()))
}

func startTestSegment(t *testing.T, db *sql.DB, log *wal.Log, topic string, opts ...Option) *MetadataSegment {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s := New(db, log, topic, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func submit(t *testing.T, log *wal.Log, topic string, records ...wal.OperationRecord) []int64 {
	t.Helper()
	seqIDs, err := log.Submit(context.Background(), topic, records)
	require.NoError(t, err)
	return seqIDs
}

func add(id string, metadata map[string]any) wal.OperationRecord {
	return wal.OperationRecord{ID: id, Operation: wal.Add, Metadata: metadata}
}

func TestSegmentAppliesLiveRecords(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	seqIDs := submit(t, log, "t",
		add("a", map[string]any{"rank": 1}),
		add("b", map[string]any{"rank": 2}))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	mark, ok, err := s.HighWaterMark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, seqIDs[1], mark)
}

func TestSegmentReplaysBacklogOnFirstStart(t *testing.T) {
	db, log := openTestStore(t)
	ctx := context.Background()

	submit(t, log, "t", add("a", nil), add("b", nil))

	s := startTestSegment(t, db, log, "t")
	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestSegmentIgnoresOtherTopics(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "mine")

	submit(t, log, "other", add("a", nil))

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestDuplicateAddKeepsFirstRow(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t", add("a", map[string]any{"v": "first"}))
	submit(t, log, "t", add("a", map[string]any{"v": "second"}))

	rows, err := s.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "first", rows[0].Metadata["v"])

	// The high-water mark still advances past the dropped record.
	mark, ok, err := s.HighWaterMark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	maxSeq, err := log.MaxSeqID(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, maxSeq, mark)
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t", wal.OperationRecord{
		ID: "a", Operation: wal.Upsert, Metadata: map[string]any{"v": "one"},
	})
	submit(t, log, "t", wal.OperationRecord{
		ID: "a", Operation: wal.Upsert, Metadata: map[string]any{"v": "two"},
	})

	rows, err := s.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "two", rows[0].Metadata["v"])
}

func TestUpdateAndDeleteOnMissingRowAreDropped(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t",
		wal.OperationRecord{ID: "ghost", Operation: wal.Update, Metadata: map[string]any{"v": 1}},
		wal.OperationRecord{ID: "ghost", Operation: wal.Delete})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	mark, ok, err := s.HighWaterMark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	maxSeq, err := log.MaxSeqID(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, maxSeq, mark)
}

func TestUpdateMergesAndNilDeletesKey(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t", add("a", map[string]any{"keep": "x", "drop": "y"}))
	submit(t, log, "t", wal.OperationRecord{
		ID:        "a",
		Operation: wal.Update,
		Metadata:  map[string]any{"drop": nil, "added": int64(7)},
	})

	rows, err := s.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "x", rows[0].Metadata["keep"])
	require.Equal(t, int64(7), rows[0].Metadata["added"])
	require.NotContains(t, rows[0].Metadata, "drop")
}

func TestDeleteRemovesRowAndMetadata(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t", add("a", map[string]any{DocumentKey: "hello world"}))
	submit(t, log, "t", wal.OperationRecord{ID: "a", Operation: wal.Delete})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	var orphans int64
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM segment_metadata").Scan(&orphans))
	require.Equal(t, int64(0), orphans)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM segment_fulltext").Scan(&orphans))
	require.Equal(t, int64(0), orphans)
}

func TestSegmentResumesFromHighWaterMark(t *testing.T) {
	db, log := openTestStore(t)
	ctx := context.Background()

	first := New(db, log, "t", WithLogger(zerolog.Nop()))
	require.NoError(t, first.Start(ctx))
	submit(t, log, "t", add("a", nil), add("b", nil))
	first.Stop()

	// Written while no projector was listening.
	submit(t, log, "t", add("c", nil))

	second := New(db, log, "t", WithID(first.ID()), WithLogger(zerolog.Nop()))
	require.NoError(t, second.Start(ctx))
	t.Cleanup(second.Stop)

	count, err := second.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	// Replay was incremental, not a re-application of a and b.
	rows, err := second.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestStoppedSegmentDoesNotApply(t *testing.T) {
	db, log := openTestStore(t)
	ctx := context.Background()

	s := New(db, log, "t", WithLogger(zerolog.Nop()))
	require.NoError(t, s.Start(ctx))
	submit(t, log, "t", add("a", nil))
	s.Stop()

	submit(t, log, "t", add("b", nil))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	db, log := openTestStore(t)
	ctx := context.Background()

	s := New(db, log, "t", WithLogger(zerolog.Nop()))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	s.Stop()
	s.Stop()
}

func TestHighWaterMarkUnsetBeforeFirstApply(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")

	_, ok, err := s.HighWaterMark(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMetadataTypesRoundTrip(t *testing.T) {
	db, log := openTestStore(t)
	s := startTestSegment(t, db, log, "t")
	ctx := context.Background()

	submit(t, log, "t", add("a", map[string]any{
		"s": "text",
		"i": 42,
		"f": 1.5,
		"w": 3.0, // whole float must stay a float
		"b": true,
	}))

	rows, err := s.Get(ctx, GetOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "text", rows[0].Metadata["s"])
	require.Equal(t, int64(42), rows[0].Metadata["i"])
	require.Equal(t, 1.5, rows[0].Metadata["f"])
	require.Equal(t, 3.0, rows[0].Metadata["w"])
	require.Equal(t, true, rows[0].Metadata["b"])
}
