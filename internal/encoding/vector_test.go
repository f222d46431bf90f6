package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		vector []float64
		enc    Encoding
	}{
		{name: "simple float64", vector: []float64{1.0, 2.5, -3.75}, enc: EncodingFloat64},
		{name: "simple float32", vector: []float64{1.0, 2.5, -3.75}, enc: EncodingFloat32},
		{name: "empty", vector: []float64{}, enc: EncodingFloat64},
		{name: "single element", vector: []float64{42}, enc: EncodingFloat64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := EncodeVector(tt.vector, tt.enc)
			require.NoError(t, err)

			got, err := DecodeVector(blob, tt.enc)
			require.NoError(t, err)
			require.Len(t, got, len(tt.vector))
			for i := range tt.vector {
				require.InDelta(t, tt.vector[i], got[i], 1e-6)
			}
		})
	}
}

func TestEncodeVectorRejectsNil(t *testing.T) {
	_, err := EncodeVector(nil, EncodingFloat64)
	require.ErrorIs(t, err, ErrInvalidVector)
}

func TestEncodeVectorRejectsUnknownEncoding(t *testing.T) {
	_, err := EncodeVector([]float64{1}, Encoding("int8"))
	require.Error(t, err)
}

func TestDecodeVectorRejectsTruncatedBlob(t *testing.T) {
	blob, err := EncodeVector([]float64{1, 2, 3}, EncodingFloat64)
	require.NoError(t, err)

	_, err = DecodeVector(blob[:len(blob)-3], EncodingFloat64)
	require.ErrorIs(t, err, ErrInvalidVector)

	_, err = DecodeVector(blob[:2], EncodingFloat64)
	require.ErrorIs(t, err, ErrInvalidVector)
}

func TestDecodeVectorRejectsWrongEncoding(t *testing.T) {
	blob, err := EncodeVector([]float64{1, 2, 3}, EncodingFloat64)
	require.NoError(t, err)

	// Payload length will not match the float32 element size.
	_, err = DecodeVector(blob, EncodingFloat32)
	require.Error(t, err)
}
