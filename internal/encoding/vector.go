// Package encoding implements the binary codec for embedding vectors
// persisted in the log.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector blob cannot be decoded.
var ErrInvalidVector = errors.New("invalid vector")

// Encoding identifies the on-disk element type of a vector blob.
type Encoding string

const (
	EncodingFloat64 Encoding = "float64"
	EncodingFloat32 Encoding = "float32"
)

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	return e == EncodingFloat64 || e == EncodingFloat32
}

// EncodeVector serializes a vector as a little-endian blob with an int32
// length prefix. Float32 encoding narrows each element.
func EncodeVector(vector []float64, enc Encoding) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if !enc.Valid() {
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}

	buf := new(bytes.Buffer)

	vectorLen := len(vector)
	if vectorLen > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements", vectorLen)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(vectorLen)); err != nil {
		return nil, fmt.Errorf("failed to encode vector length: %w", err)
	}

	for _, val := range vector {
		var err error
		if enc == EncodingFloat32 {
			err = binary.Write(buf, binary.LittleEndian, float32(val))
		} else {
			err = binary.Write(buf, binary.LittleEndian, val)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encode vector value: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeVector deserializes a blob produced by EncodeVector.
func DecodeVector(data []byte, enc Encoding) ([]float64, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	if !enc.Valid() {
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}

	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}

	elemSize := 8
	if enc == EncodingFloat32 {
		elemSize = 4
	}
	if buf.Len() != int(length)*elemSize {
		return nil, fmt.Errorf("%w: expected %d bytes of payload, got %d",
			ErrInvalidVector, int(length)*elemSize, buf.Len())
	}

	vector := make([]float64, length)
	for i := range vector {
		if enc == EncodingFloat32 {
			var v float32
			if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("failed to decode vector value: %w", err)
			}
			vector[i] = float64(v)
		} else {
			if err := binary.Read(buf, binary.LittleEndian, &vector[i]); err != nil {
				return nil, fmt.Errorf("failed to decode vector value: %w", err)
			}
		}
	}

	return vector, nil
}
