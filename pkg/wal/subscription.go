package wal

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/seqvec/seqvec/internal/encoding"
)

// Callback receives committed records in seq-id order. A returned error is
// logged against the subscription and never propagates to the writer.
type Callback func(records []Record) error

// subscription delivers records with start < seq_id <= end.
type subscription struct {
	id    uuid.UUID
	topic string
	start int64 // exclusive
	end   int64 // inclusive
	cb    Callback
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	start *int64
	end   *int64
}

// WithStart sets the exclusive lower bound. Defaults to the topic's
// current max seq id, so only future writes are visible.
func WithStart(seqID int64) SubscribeOption {
	return func(o *subscribeOptions) { o.start = &seqID }
}

// WithEnd sets the inclusive upper bound. Defaults to unbounded. The
// subscription is removed automatically once a delivered record reaches it.
func WithEnd(seqID int64) SubscribeOption {
	return func(o *subscribeOptions) { o.end = &seqID }
}

// Subscribe registers a callback for a topic. Backfill of already-committed
// records in range and registration for live delivery happen as one atomic
// step: every qualifying record is delivered exactly once, via backfill or
// live notify, never both, never neither.
func (l *Log) Subscribe(ctx context.Context, topic string, cb Callback, opts ...SubscribeOption) (uuid.UUID, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := int64(0)
	if o.start != nil {
		start = *o.start
	} else {
		cur, err := l.position(ctx, topic)
		if err != nil {
			return uuid.Nil, err
		}
		start = cur
	}

	end := int64(math.MaxInt64)
	if o.end != nil {
		end = *o.end
	}
	if start >= end {
		return uuid.Nil, fmt.Errorf("wal: %w: start %d >= end %d", ErrInvalidSubscription, start, end)
	}

	sub := &subscription{
		id:    uuid.New(),
		topic: topic,
		start: start,
		end:   end,
		cb:    cb,
	}

	backfill, err := l.readRange(ctx, topic, start, end)
	if err != nil {
		return uuid.Nil, err
	}
	if len(backfill) > 0 {
		l.deliver(sub, backfill)
		if backfill[len(backfill)-1].SeqID >= end {
			// Bounded subscription already complete; never goes live.
			return sub.id, nil
		}
	}

	if l.subs[topic] == nil {
		l.subs[topic] = make(map[uuid.UUID]*subscription)
	}
	l.subs[topic][sub.id] = sub
	l.byID[sub.id] = topic

	l.log.Debug().
		Str("topic", topic).
		Str("subscription_id", sub.id.String()).
		Int64("start", start).
		Int("backfilled", len(backfill)).
		Msg("subscription registered")
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a silent no-op, so
// the call is idempotent.
func (l *Log) Unsubscribe(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remove(id)
}

// remove drops a subscription from both indexes. Callers hold l.mu.
func (l *Log) remove(id uuid.UUID) {
	topic, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	delete(l.subs[topic], id)
	if len(l.subs[topic]) == 0 {
		delete(l.subs, topic)
	}
}

// notify delivers freshly committed records to every current subscription
// of the topic. Each subscription is evaluated independently; one failing
// or completing subscriber does not affect the others. Callers hold l.mu.
func (l *Log) notify(topic string, records []Record) {
	for _, sub := range l.subs[topic] {
		var matched []Record
		for _, rec := range records {
			if rec.SeqID > sub.start && rec.SeqID <= sub.end {
				matched = append(matched, rec)
			}
		}
		if len(matched) == 0 {
			continue
		}
		l.deliver(sub, matched)
		if matched[len(matched)-1].SeqID >= sub.end {
			l.remove(sub.id)
		}
	}
}

// deliver invokes a subscriber callback behind a result boundary: failure
// becomes a logged side effect and never reaches the writer. With the
// test-only rethrow mode, panics propagate instead.
func (l *Log) deliver(sub *subscription, records []Record) {
	defer func() {
		if r := recover(); r != nil {
			if l.rethrow {
				panic(r)
			}
			l.log.Error().
				Str("subscription_id", sub.id.String()).
				Str("topic", sub.topic).
				Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()

	if err := sub.cb(records); err != nil {
		l.log.Error().
			Err(err).
			Str("subscription_id", sub.id.String()).
			Str("topic", sub.topic).
			Msg("subscriber callback failed")
	}
}

// readRange loads committed records with start < seq_id <= end in seq-id
// order. Callers hold l.mu.
func (l *Log) readRange(ctx context.Context, topic string, start, end int64) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq_id, operation, id, vector, encoding, metadata
		FROM log
		WHERE topic = ? AND seq_id > ? AND seq_id <= ?
		ORDER BY seq_id`,
		topic, start, end)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to read topic %q: %w", topic, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec          Record
			op           int
			vectorBlob   []byte
			encName      *string
			metadataJSON []byte
		)
		if err := rows.Scan(&rec.SeqID, &op, &rec.ID, &vectorBlob, &encName, &metadataJSON); err != nil {
			return nil, fmt.Errorf("wal: failed to scan log row: %w", err)
		}
		rec.Topic = topic
		rec.Operation = Operation(op)

		if len(vectorBlob) > 0 && encName != nil {
			enc := encoding.Encoding(*encName)
			rec.Encoding = enc
			rec.Embedding, err = encoding.DecodeVector(vectorBlob, enc)
			if err != nil {
				return nil, fmt.Errorf("wal: record %q: %w", rec.ID, err)
			}
		}
		rec.Metadata, err = decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("wal: record %q: %w", rec.ID, err)
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}
