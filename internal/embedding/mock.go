package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEngine is a deterministic in-process engine for tests: the vector is
// derived from a hash of the text, so equal texts embed equally and
// distinct texts (almost always) differ.
type MockEngine struct {
	dim int
}

// NewMockEngine creates a mock engine with the given dimensionality.
func NewMockEngine(dim int) *MockEngine {
	if dim <= 0 {
		dim = 64
	}
	return &MockEngine{dim: dim}
}

// Embed derives a unit-norm vector from the text hash.
func (e *MockEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := range vec {
		// Stretch the 32 hash bytes across the vector by rehashing per block.
		block := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		v := float64(binary.LittleEndian.Uint32(block[:4]))/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *MockEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *MockEngine) Name() string { return "mock" }
