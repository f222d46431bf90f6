// Package query parses and compiles metadata filters into SQL predicates.
//
// A Where filter selects rows by typed metadata values, a WhereDocument
// filter by full-text document content. Both are parsed from their JSON
// map shape, validated completely up front, and compiled into a predicate
// over the segment schema. The package holds no state and performs no I/O.
package query

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter is returned when a filter fails validation. No query
// is executed for an invalid filter.
var ErrInvalidFilter = errors.New("invalid filter")

// Operator is a filter-tree operator.
type Operator string

const (
	OpAnd Operator = "$and"
	OpOr  Operator = "$or"

	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
	OpNin Operator = "$nin"

	OpContains    Operator = "$contains"
	OpNotContains Operator = "$not_contains"
)

// Kind is the type slot occupied by a metadata value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Numeric reports whether the kind is int or float.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// Value is a typed filter operand occupying exactly one slot.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

// Arg returns the value as a driver bind argument.
func (v Value) Arg() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// Where is a validated metadata filter node. Composite nodes ($and/$or)
// carry Children; leaves carry Key, Operator and the operand.
type Where struct {
	Operator Operator
	Key      string
	Value    Value
	Values   []Value
	Children []*Where
}

// WhereDocument is a validated full-text filter node.
type WhereDocument struct {
	Operator Operator
	Pattern  string
	Children []*WhereDocument
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// parseValue converts a literal operand into a typed Value.
func parseValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		return Value{Kind: KindString, Str: v}, nil
	case bool:
		return Value{Kind: KindBool, Bool: v}, nil
	case int:
		return Value{Kind: KindInt, Int: int64(v)}, nil
	case int32:
		return Value{Kind: KindInt, Int: int64(v)}, nil
	case int64:
		return Value{Kind: KindInt, Int: v}, nil
	case float32:
		return Value{Kind: KindFloat, Float: float64(v)}, nil
	case float64:
		return Value{Kind: KindFloat, Float: v}, nil
	default:
		return Value{}, invalidf("unsupported operand type %T", raw)
	}
}

// ParseWhere validates a raw Where filter and builds its AST.
//
// The map must hold exactly one key: either $and/$or with a list of at
// least two sub-filters, or a metadata key whose value is a literal
// (shorthand for {"$eq": literal}) or a single-operator object.
func ParseWhere(raw map[string]any) (*Where, error) {
	if len(raw) != 1 {
		return nil, invalidf("expected exactly one key, got %d", len(raw))
	}

	for key, val := range raw {
		switch Operator(key) {
		case OpAnd, OpOr:
			children, err := parseWhereList(key, val)
			if err != nil {
				return nil, err
			}
			return &Where{Operator: Operator(key), Children: children}, nil
		default:
			return parseWhereLeaf(key, val)
		}
	}
	return nil, invalidf("empty filter")
}

func parseWhereList(op string, val any) ([]*Where, error) {
	items, ok := val.([]any)
	if !ok {
		if typed, tok := val.([]map[string]any); tok {
			items = make([]any, len(typed))
			for i, m := range typed {
				items[i] = m
			}
		} else {
			return nil, invalidf("%s expects a list of filters", op)
		}
	}
	if len(items) < 2 {
		return nil, invalidf("%s expects at least 2 sub-filters, got %d", op, len(items))
	}

	children := make([]*Where, len(items))
	for i, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, invalidf("%s sub-filter %d is not an object", op, i)
		}
		child, err := ParseWhere(sub)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	return children, nil
}

func parseWhereLeaf(key string, val any) (*Where, error) {
	if key == "" {
		return nil, invalidf("empty metadata key")
	}

	opObj, ok := val.(map[string]any)
	if !ok {
		// Literal shorthand for {"$eq": literal}.
		operand, err := parseValue(val)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		return &Where{Operator: OpEq, Key: key, Value: operand}, nil
	}

	if len(opObj) != 1 {
		return nil, invalidf("key %q: operator object must hold exactly one operator", key)
	}

	for opName, operand := range opObj {
		op := Operator(opName)
		switch op {
		case OpEq, OpNe:
			v, err := parseValue(operand)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			return &Where{Operator: op, Key: key, Value: v}, nil

		case OpGt, OpGte, OpLt, OpLte:
			v, err := parseValue(operand)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			if !v.Kind.Numeric() {
				return nil, invalidf("key %q: %s requires a numeric operand, got %s", key, op, v.Kind)
			}
			return &Where{Operator: op, Key: key, Value: v}, nil

		case OpIn, OpNin:
			values, err := parseValueList(key, op, operand)
			if err != nil {
				return nil, err
			}
			return &Where{Operator: op, Key: key, Values: values}, nil

		default:
			return nil, invalidf("key %q: unknown operator %q", key, opName)
		}
	}
	return nil, invalidf("key %q: empty operator object", key)
}

// parseValueList validates a $in/$nin operand: non-empty and homogeneously
// typed, where int and float count as one numeric family.
func parseValueList(key string, op Operator, operand any) ([]Value, error) {
	items, ok := operand.([]any)
	if !ok {
		return nil, invalidf("key %q: %s expects a list", key, op)
	}
	if len(items) == 0 {
		return nil, invalidf("key %q: %s list must not be empty", key, op)
	}

	values := make([]Value, len(items))
	for i, item := range items {
		v, err := parseValue(item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		values[i] = v
	}

	first := values[0].Kind
	for _, v := range values[1:] {
		same := v.Kind == first || (v.Kind.Numeric() && first.Numeric())
		if !same {
			return nil, invalidf("key %q: %s list mixes %s and %s values", key, op, first, v.Kind)
		}
	}
	return values, nil
}

// ParseWhereDocument validates a raw WhereDocument filter and builds its AST.
func ParseWhereDocument(raw map[string]any) (*WhereDocument, error) {
	if len(raw) != 1 {
		return nil, invalidf("expected exactly one key, got %d", len(raw))
	}

	for key, val := range raw {
		switch Operator(key) {
		case OpAnd, OpOr:
			items, ok := val.([]any)
			if !ok {
				if typed, tok := val.([]map[string]any); tok {
					items = make([]any, len(typed))
					for i, m := range typed {
						items[i] = m
					}
				} else {
					return nil, invalidf("%s expects a list of filters", key)
				}
			}
			if len(items) < 2 {
				return nil, invalidf("%s expects at least 2 sub-filters, got %d", key, len(items))
			}
			children := make([]*WhereDocument, len(items))
			for i, item := range items {
				sub, ok := item.(map[string]any)
				if !ok {
					return nil, invalidf("%s sub-filter %d is not an object", key, i)
				}
				child, err := ParseWhereDocument(sub)
				if err != nil {
					return nil, err
				}
				children[i] = child
			}
			return &WhereDocument{Operator: Operator(key), Children: children}, nil

		case OpContains, OpNotContains:
			pattern, ok := val.(string)
			if !ok {
				return nil, invalidf("%s expects a string operand", key)
			}
			if pattern == "" {
				return nil, invalidf("%s operand must not be empty", key)
			}
			return &WhereDocument{Operator: Operator(key), Pattern: pattern}, nil

		default:
			return nil, invalidf("unknown document operator %q", key)
		}
	}
	return nil, invalidf("empty filter")
}
