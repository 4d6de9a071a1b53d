package embedding

import (
	"context"
	"math"
)

// MockEmbedder generates deterministic embeddings from the image bytes,
// for development and tests.
type MockEmbedder struct {
	dimension  int
	withPooled bool
}

// NewMockEmbedder creates a mock embedder.
func NewMockEmbedder(dimension int, withPooled bool) *MockEmbedder {
	if dimension <= 0 {
		dimension = 128
	}
	return &MockEmbedder{dimension: dimension, withPooled: withPooled}
}

// EmbedImages produces hash-derived unit vectors, one per input image.
func (m *MockEmbedder) EmbedImages(ctx context.Context, images [][]byte) (*Result, error) {
	res := &Result{Vectors: make([][]float32, len(images))}
	if m.withPooled {
		res.PooledRows = make([][]float32, len(images))
		res.PooledCols = make([][]float32, len(images))
	}

	for i, img := range images {
		res.Vectors[i] = normalize(hashVector(img, m.dimension, 0))
		if m.withPooled {
			res.PooledRows[i] = normalize(hashVector(img, m.dimension, 1))
			res.PooledCols[i] = normalize(hashVector(img, m.dimension, 2))
		}
	}
	return res, nil
}

// Model returns the mock model name.
func (m *MockEmbedder) Model() string {
	return "mock-vision-model"
}

// Dimension returns the embedding dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

func hashVector(data []byte, dim int, seed byte) []float32 {
	v := make([]float32, dim)
	h := uint32(2166136261) ^ uint32(seed)
	for _, b := range data {
		h = (h ^ uint32(b)) * 16777619
		v[int(h)%dim] += float32(h%251) / 251.0
	}
	if len(data) == 0 {
		v[0] = 1
	}
	return v
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

var _ Embedder = (*MockEmbedder)(nil)
