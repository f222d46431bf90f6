package segment

import (
	"context"
	"fmt"
	"strings"

	"github.com/seqvec/seqvec/pkg/query"
)

// GetOptions narrows and pages a read. Filters must already be parsed
// (and therefore validated) by the query package.
type GetOptions struct {
	Where         *query.Where
	WhereDocument *query.WhereDocument
	IDs           []string
	Limit         int // <= 0 means unlimited
	Offset        int
}

// Get returns matching rows ordered by internal id ascending.
//
// The matching internal-id set is resolved first, paged with limit/offset,
// and only then hydrated with metadata for exactly that page. Paging before
// the metadata join avoids duplicate fan-out from multi-valued keys.
func (s *MetadataSegment) Get(ctx context.Context, opts GetOptions) ([]Row, error) {
	internalIDs, err := s.matchInternalIDs(ctx, opts)
	if err != nil {
		return nil, wrapError("get", err)
	}
	if len(internalIDs) == 0 {
		return []Row{}, nil
	}

	rows, err := s.fetchRows(ctx, internalIDs)
	if err != nil {
		return nil, wrapError("get", err)
	}
	return rows, nil
}

// Count returns the number of rows in the segment.
func (s *MetadataSegment) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM segment_rows WHERE segment_id = ?", s.id.String()).
		Scan(&count)
	if err != nil {
		return 0, wrapError("count", fmt.Errorf("failed to count rows: %w", err))
	}
	return count, nil
}

// matchInternalIDs resolves the paged, ordered internal-id set for a read.
func (s *MetadataSegment) matchInternalIDs(ctx context.Context, opts GetOptions) ([]int64, error) {
	var sb strings.Builder
	sb.WriteString("SELECT r.internal_id FROM segment_rows r WHERE r.segment_id = ?")
	args := []any{s.id.String()}

	if opts.Where != nil {
		clause, clauseArgs := query.CompileWhere(opts.Where)
		sb.WriteString(" AND (")
		sb.WriteString(clause)
		sb.WriteString(")")
		args = append(args, clauseArgs...)
	}
	if opts.WhereDocument != nil {
		clause, clauseArgs := query.CompileWhereDocument(opts.WhereDocument)
		sb.WriteString(" AND (")
		sb.WriteString(clause)
		sb.WriteString(")")
		args = append(args, clauseArgs...)
	}
	if len(opts.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.IDs)), ",")
		sb.WriteString(" AND r.external_id IN (")
		sb.WriteString(placeholders)
		sb.WriteString(")")
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}

	sb.WriteString(" ORDER BY r.internal_id")
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	} else {
		// SQLite requires LIMIT before OFFSET; -1 means unlimited.
		sb.WriteString(" LIMIT -1")
	}
	if opts.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve matching ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var internalIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan internal id: %w", err)
		}
		internalIDs = append(internalIDs, id)
	}
	return internalIDs, rows.Err()
}

// fetchRows hydrates full rows for a page of internal ids, preserving
// internal-id order.
func (s *MetadataSegment) fetchRows(ctx context.Context, internalIDs []int64) ([]Row, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(internalIDs)), ",")
	args := make([]any, len(internalIDs))
	for i, id := range internalIDs {
		args[i] = id
	}

	stmt := fmt.Sprintf(`
		SELECT r.internal_id, r.external_id, r.seq_id,
		       m.key, m.string_value, m.int_value, m.float_value, m.bool_value
		FROM segment_rows r
		LEFT JOIN segment_metadata m ON m.internal_id = r.internal_id
		WHERE r.internal_id IN (%s)
		ORDER BY r.internal_id`, placeholders)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Row, 0, len(internalIDs))
	var current *Row
	for rows.Next() {
		var (
			internalID  int64
			externalID  string
			seqID       int64
			key         *string
			stringValue *string
			intValue    *int64
			floatValue  *float64
			boolValue   *bool
		)
		if err := rows.Scan(&internalID, &externalID, &seqID,
			&key, &stringValue, &intValue, &floatValue, &boolValue); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if current == nil || current.InternalID != internalID {
			result = append(result, Row{
				InternalID: internalID,
				ID:         externalID,
				SeqID:      seqID,
				Metadata:   map[string]any{},
			})
			current = &result[len(result)-1]
		}

		if key == nil {
			continue // row without metadata
		}
		switch {
		case stringValue != nil:
			current.Metadata[*key] = *stringValue
		case intValue != nil:
			current.Metadata[*key] = *intValue
		case floatValue != nil:
			current.Metadata[*key] = *floatValue
		case boolValue != nil:
			current.Metadata[*key] = *boolValue
		}
	}
	return result, rows.Err()
}
