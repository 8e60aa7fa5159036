// Package mock provides a deterministic in-memory Embedder for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder is a test double for embedding.Embedder. Behavior can be overridden
// through the function fields; otherwise each text maps to a deterministic
// unit vector derived from its hash, so equal texts always embed equally.
type Embedder struct {
	EmbedTextFunc  func(ctx context.Context, text string) ([]float32, error)
	EmbedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the vector dimensionality. Default: 384.
	Dim int

	callCount int
}

// New creates a mock embedder with deterministic default behavior.
func New() *Embedder {
	return &Embedder{}
}

// EmbedText generates a deterministic embedding for a single text.
func (m *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	m.callCount++
	if m.EmbedTextFunc != nil {
		return m.EmbedTextFunc(ctx, text)
	}
	return DeterministicVector(text, m.dim()), nil
}

// EmbedTexts generates deterministic embeddings for multiple texts.
func (m *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.callCount++
	if m.EmbedTextsFunc != nil {
		return m.EmbedTextsFunc(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = DeterministicVector(text, m.dim())
	}
	return vecs, nil
}

// CallCount returns the number of embed calls made.
func (m *Embedder) CallCount() int {
	return m.callCount
}

// Reset clears the call count and any overrides.
func (m *Embedder) Reset() {
	m.callCount = 0
	m.EmbedTextFunc = nil
	m.EmbedTextsFunc = nil
}

func (m *Embedder) dim() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 384
}

// DeterministicVector derives a unit vector from the FNV hash of text. The
// same text always yields the same vector.
func DeterministicVector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text)) //nolint:errcheck // hash writes never fail

	seed := h.Sum32()
	vec := make([]float32, dim)
	for i := range vec {
		seed = seed*1664525 + 1013904223 // LCG step
		vec[i] = float32(seed%1000)/500.0 - 1.0
	}

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares > 0 {
		norm := float32(1.0 / math.Sqrt(sumSquares))
		for i := range vec {
			vec[i] *= norm
		}
	}

	return vec
}
