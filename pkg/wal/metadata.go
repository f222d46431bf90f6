package wal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata values occupy exactly one typed slot: string, int64, float64 or
// bool. A nil value is an instruction to delete the key on apply. The map
// is persisted as JSON; int and float are kept distinct by always writing
// floats with a decimal point and reading numbers back through json.Number.

// normalizeMetadata validates a metadata map and narrows Go's integer and
// float variants to int64/float64.
func normalizeMetadata(metadata map[string]any) (map[string]any, error) {
	if metadata == nil {
		return nil, nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		switch v := value.(type) {
		case nil:
			out[key] = nil
		case string, bool, int64, float64:
			out[key] = v
		case int:
			out[key] = int64(v)
		case int32:
			out[key] = int64(v)
		case float32:
			out[key] = float64(v)
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrInvalidMetadata, key, value)
		}
	}
	return out, nil
}

// encodeMetadata serializes a normalized metadata map to JSON. Whole floats
// are forced to keep a decimal point so the int/float distinction survives
// the round trip.
func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	wire := make(map[string]json.RawMessage, len(metadata))
	for key, value := range metadata {
		if f, ok := value.(float64); ok {
			raw, err := json.Marshal(f)
			if err != nil {
				return nil, fmt.Errorf("failed to encode metadata key %q: %w", key, err)
			}
			if !bytes.ContainsAny(raw, ".eE") {
				raw = append(raw, '.', '0')
			}
			wire[key] = raw
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata key %q: %w", key, err)
		}
		wire[key] = raw
	}
	return json.Marshal(wire)
}

// decodeMetadata deserializes a metadata JSON blob, mapping numbers without
// a fraction or exponent back to int64.
func decodeMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var wire map[string]any
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	out := make(map[string]any, len(wire))
	for key, value := range wire {
		switch v := value.(type) {
		case json.Number:
			if strings.ContainsAny(v.String(), ".eE") {
				f, err := v.Float64()
				if err != nil {
					return nil, fmt.Errorf("failed to decode metadata key %q: %w", key, err)
				}
				out[key] = f
			} else {
				i, err := v.Int64()
				if err != nil {
					return nil, fmt.Errorf("failed to decode metadata key %q: %w", key, err)
				}
				out[key] = i
			}
		case string, bool, nil:
			out[key] = v
		default:
			return nil, fmt.Errorf("%w: key %q decoded as %T", ErrInvalidMetadata, key, value)
		}
	}
	return out, nil
}
