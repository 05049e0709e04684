package ai

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Embedder maps text into a fixed-dimension vector space. All vectors
// produced by one Embedder have the same length, and embedding the same
// text twice yields the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// DimensionError reports a vector whose length does not match the
// configured dimension. It always indicates a configuration or
// provider problem, never bad input data.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

const DefaultLocalDimensions = 384

// LocalEmbedder is a deterministic, dependency-free embedding provider.
// It hashes words into a fixed vector and squashes with tanh, so equal
// text always maps to the same vector. Quality is far below a hosted
// model; it exists so ingestion and retrieval work without credentials.
type LocalEmbedder struct {
	dim int
}

func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = DefaultLocalDimensions
	}
	return &LocalEmbedder{dim: dim}
}

func (e *LocalEmbedder) Dimension() int {
	return e.dim
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := significantWords(text)
	vec := make([]float32, e.dim)
	if len(words) == 0 {
		return vec, nil
	}

	for i := 0; i < e.dim; i++ {
		var value float64
		suffix := strconv.Itoa(i)
		for _, word := range words {
			h := wordHash(word + suffix)
			value += float64(h%200-100) / 100
		}
		vec[i] = float32(math.Tanh(value / float64(len(words))))
	}
	return vec, nil
}

func significantWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := fields[:0]
	for _, w := range fields {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	return words
}

// wordHash is a 31-multiplier string hash folded to a non-negative
// int32. Changing it invalidates every stored local embedding.
func wordHash(s string) int64 {
	var hash int32
	for _, c := range s {
		hash = hash*31 + int32(c)
	}
	if hash < 0 {
		return -int64(hash)
	}
	return int64(hash)
}

// CosineSimilarity returns similarity normalized into [0, 1]. Vectors
// of different lengths or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}

// EstimateTokens is a rough token count: 1 token ≈ 4 characters.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
