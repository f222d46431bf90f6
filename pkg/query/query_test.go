package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWhereLiteralShorthand(t *testing.T) {
	w, err := ParseWhere(map[string]any{"topic": "news"})
	require.NoError(t, err)
	require.Equal(t, OpEq, w.Operator)
	require.Equal(t, "topic", w.Key)
	require.Equal(t, KindString, w.Value.Kind)
	require.Equal(t, "news", w.Value.Str)
}

func TestParseWhereOperators(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		op   Operator
		kind Kind
	}{
		{name: "eq string", raw: map[string]any{"k": map[string]any{"$eq": "v"}}, op: OpEq, kind: KindString},
		{name: "ne bool", raw: map[string]any{"k": map[string]any{"$ne": true}}, op: OpNe, kind: KindBool},
		{name: "gt int", raw: map[string]any{"k": map[string]any{"$gt": 5}}, op: OpGt, kind: KindInt},
		{name: "gte float", raw: map[string]any{"k": map[string]any{"$gte": 1.5}}, op: OpGte, kind: KindFloat},
		{name: "lt int64", raw: map[string]any{"k": map[string]any{"$lt": int64(9)}}, op: OpLt, kind: KindInt},
		{name: "lte float", raw: map[string]any{"k": map[string]any{"$lte": 2.0}}, op: OpLte, kind: KindFloat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWhere(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.op, w.Operator)
			require.Equal(t, tt.kind, w.Value.Kind)
		})
	}
}

func TestParseWhereComposite(t *testing.T) {
	w, err := ParseWhere(map[string]any{
		"$and": []any{
			map[string]any{"a": 1},
			map[string]any{"$or": []any{
				map[string]any{"b": map[string]any{"$gt": 2.5}},
				map[string]any{"c": map[string]any{"$in": []any{"x", "y"}}},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, OpAnd, w.Operator)
	require.Len(t, w.Children, 2)
	require.Equal(t, OpOr, w.Children[1].Operator)
	require.Len(t, w.Children[1].Children, 2)
}

func TestParseWhereRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{name: "empty map", raw: map[string]any{}},
		{name: "two keys", raw: map[string]any{"a": 1, "b": 2}},
		{name: "and with one child", raw: map[string]any{"$and": []any{map[string]any{"a": 1}}}},
		{name: "and with scalar", raw: map[string]any{"$and": "nope"}},
		{name: "or child not object", raw: map[string]any{"$or": []any{map[string]any{"a": 1}, "x"}}},
		{name: "unknown operator", raw: map[string]any{"k": map[string]any{"$regex": "x"}}},
		{name: "two operators", raw: map[string]any{"k": map[string]any{"$eq": 1, "$ne": 2}}},
		{name: "gt string operand", raw: map[string]any{"k": map[string]any{"$gt": "five"}}},
		{name: "lt bool operand", raw: map[string]any{"k": map[string]any{"$lt": true}}},
		{name: "in empty list", raw: map[string]any{"k": map[string]any{"$in": []any{}}}},
		{name: "in not a list", raw: map[string]any{"k": map[string]any{"$in": "x"}}},
		{name: "nin mixed types", raw: map[string]any{"k": map[string]any{"$nin": []any{"x", 1}}}},
		{name: "unsupported literal", raw: map[string]any{"k": []byte("x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWhere(tt.raw)
			require.ErrorIs(t, err, ErrInvalidFilter)
		})
	}
}

func TestParseWhereAllowsMixedNumericList(t *testing.T) {
	w, err := ParseWhere(map[string]any{"k": map[string]any{"$in": []any{1, 2.5}}})
	require.NoError(t, err)
	require.Equal(t, OpIn, w.Operator)
	require.Len(t, w.Values, 2)
}

func TestParseWhereDocument(t *testing.T) {
	wd, err := ParseWhereDocument(map[string]any{"$contains": "needle"})
	require.NoError(t, err)
	require.Equal(t, OpContains, wd.Operator)
	require.Equal(t, "needle", wd.Pattern)

	wd, err = ParseWhereDocument(map[string]any{
		"$and": []any{
			map[string]any{"$contains": "a"},
			map[string]any{"$not_contains": "b"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, OpAnd, wd.Operator)
	require.Len(t, wd.Children, 2)
}

func TestParseWhereDocumentRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{name: "empty map", raw: map[string]any{}},
		{name: "empty pattern", raw: map[string]any{"$contains": ""}},
		{name: "non-string pattern", raw: map[string]any{"$contains": 3}},
		{name: "metadata key", raw: map[string]any{"k": "v"}},
		{name: "or with one child", raw: map[string]any{"$or": []any{map[string]any{"$contains": "a"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWhereDocument(tt.raw)
			require.ErrorIs(t, err, ErrInvalidFilter)
		})
	}
}
