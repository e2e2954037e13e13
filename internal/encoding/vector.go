// Package encoding converts vectors and metadata to the byte forms kept in
// snapshot storage.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/liliang-cn/simcache/pkg/core"
)

// maxVectorLen bounds the int32 length prefix.
const maxVectorLen = math.MaxInt32

// EncodeVector encodes a vector as a little-endian int32 length followed by
// the float32 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, core.ErrInvalidVector
	}
	if len(vector) > maxVectorLen {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", len(vector))
	}

	buf := make([]byte, 4+4*len(vector))
	binary.LittleEndian.PutUint32(buf, uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector decodes bytes produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: blob shorter than length prefix", core.ErrInvalidVector)
	}

	length := int32(binary.LittleEndian.Uint32(data))
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", core.ErrInvalidVector, length)
	}
	if len(data)-4 != int(length)*4 {
		return nil, fmt.Errorf("%w: length %d does not match %d payload bytes",
			core.ErrInvalidVector, length, len(data)-4)
	}

	vector := make([]float32, length)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vector, nil
}

// EncodeMetadata returns the metadata as a compact JSON string. Empty
// metadata encodes as "".
func EncodeMetadata(metadata json.RawMessage) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	if !json.Valid(metadata) {
		return "", fmt.Errorf("%w: metadata is not valid JSON", core.ErrSerialization)
	}
	return string(metadata), nil
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", core.ErrSerialization)
	}
	return json.RawMessage(s), nil
}

// ValidateVector rejects empty vectors and vectors holding NaN or Inf.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return core.ErrInvalidVector
	}
	for i, val := range vector {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return fmt.Errorf("%w: non-finite value at index %d", core.ErrInvalidVector, i)
		}
	}
	return nil
}
