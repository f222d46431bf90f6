package query

import (
	"fmt"
	"strings"
)

// Compilation targets the segment schema. A compiled predicate applies to
// rows of segment_rows aliased as r; metadata leaves probe segment_metadata,
// document leaves probe segment_fulltext. All operands bind as ? placeholders.

// valueColumn maps a value kind to its typed column in segment_metadata.
func valueColumn(k Kind) string {
	switch k {
	case KindInt:
		return "int_value"
	case KindFloat:
		return "float_value"
	case KindBool:
		return "bool_value"
	default:
		return "string_value"
	}
}

var sqlComparator = map[Operator]string{
	OpEq:  "=",
	OpNe:  "!=",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// CompileWhere translates a Where AST into a SQL predicate and its bind
// arguments. The filter must already be validated; a nil filter compiles
// to an always-true predicate.
func CompileWhere(w *Where) (string, []any) {
	if w == nil {
		return "1", nil
	}

	switch w.Operator {
	case OpAnd, OpOr:
		return compileBoolean(w)
	case OpIn, OpNin:
		return compileMembership(w)
	default:
		return compileComparison(w)
	}
}

func compileBoolean(w *Where) (string, []any) {
	joiner := " AND "
	if w.Operator == OpOr {
		joiner = " OR "
	}
	clauses := make([]string, len(w.Children))
	var args []any
	for i, child := range w.Children {
		clause, childArgs := CompileWhere(child)
		clauses[i] = "(" + clause + ")"
		args = append(args, childArgs...)
	}
	return strings.Join(clauses, joiner), args
}

// compileComparison builds the EXISTS probe for a single-operand leaf:
// a metadata row exists for the key whose value in its typed column
// satisfies the comparison.
func compileComparison(w *Where) (string, []any) {
	cmp := sqlComparator[w.Operator]
	col := valueColumn(w.Value.Kind)
	clause := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM segment_metadata m WHERE m.internal_id = r.internal_id AND m.key = ? AND m.%s %s ?)",
		col, cmp)
	return clause, []any{w.Key, w.Value.Arg()}
}

// compileMembership builds the EXISTS probe for $in/$nin. Numeric lists
// additionally match across both the int and the float column, since a
// numeric literal may have landed in either slot.
func compileMembership(w *Where) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(w.Values)), ",")
	listArgs := make([]any, len(w.Values))
	for i, v := range w.Values {
		listArgs[i] = v.Arg()
	}

	numeric := w.Values[0].Kind.Numeric()
	var inner string
	var args []any
	args = append(args, w.Key)

	switch {
	case w.Operator == OpIn && numeric:
		inner = fmt.Sprintf("(m.int_value IN (%s) OR m.float_value IN (%s))", placeholders, placeholders)
		args = append(args, listArgs...)
		args = append(args, listArgs...)
	case w.Operator == OpIn:
		inner = fmt.Sprintf("m.%s IN (%s)", valueColumn(w.Values[0].Kind), placeholders)
		args = append(args, listArgs...)
	case numeric: // $nin: the populated numeric slot must fall outside the list
		inner = fmt.Sprintf(
			"((m.int_value IS NOT NULL AND m.int_value NOT IN (%s)) OR (m.float_value IS NOT NULL AND m.float_value NOT IN (%s)))",
			placeholders, placeholders)
		args = append(args, listArgs...)
		args = append(args, listArgs...)
	default:
		inner = fmt.Sprintf("m.%s NOT IN (%s)", valueColumn(w.Values[0].Kind), placeholders)
		args = append(args, listArgs...)
	}

	clause := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM segment_metadata m WHERE m.internal_id = r.internal_id AND m.key = ? AND %s)", inner)
	return clause, args
}

// CompileWhereDocument translates a WhereDocument AST into a SQL predicate
// over the full-text table. instr() gives exact substring semantics with no
// pattern escaping concerns.
func CompileWhereDocument(wd *WhereDocument) (string, []any) {
	if wd == nil {
		return "1", nil
	}

	switch wd.Operator {
	case OpAnd, OpOr:
		joiner := " AND "
		if wd.Operator == OpOr {
			joiner = " OR "
		}
		clauses := make([]string, len(wd.Children))
		var args []any
		for i, child := range wd.Children {
			clause, childArgs := CompileWhereDocument(child)
			clauses[i] = "(" + clause + ")"
			args = append(args, childArgs...)
		}
		return strings.Join(clauses, joiner), args

	case OpNotContains:
		return "EXISTS (SELECT 1 FROM segment_fulltext f WHERE f.internal_id = r.internal_id AND instr(f.text, ?) = 0)",
			[]any{wd.Pattern}

	default: // $contains
		return "EXISTS (SELECT 1 FROM segment_fulltext f WHERE f.internal_id = r.internal_id AND instr(f.text, ?) > 0)",
			[]any{wd.Pattern}
	}
}
