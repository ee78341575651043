package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

const float32Width = 4

// EncodeEmbedding packs a vector as little-endian float32 bytes.
func EncodeEmbedding(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	out := make([]byte, len(vector)*float32Width)
	for i, value := range vector {
		binary.LittleEndian.PutUint32(out[i*float32Width:], math.Float32bits(value))
	}
	return out
}

// DecodeEmbedding unpacks bytes written by EncodeEmbedding.
func DecodeEmbedding(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw)%float32Width != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of %d", len(raw), float32Width)
	}
	out := make([]float32, len(raw)/float32Width)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*float32Width:]))
	}
	return out, nil
}

// ValidateVector rejects empty vectors, the wrong dimension, and non-finite values.
// dims <= 0 skips the dimension check.
func ValidateVector(vector []float32, dims int) error {
	if len(vector) == 0 {
		return fmt.Errorf("embedding is empty")
	}
	if dims > 0 && len(vector) != dims {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", dims, len(vector))
	}
	for i, value := range vector {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding contains non-finite value at index %d", i)
		}
	}
	return nil
}
