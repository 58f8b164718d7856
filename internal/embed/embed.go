// Package embed provides text embedding generation and similarity
// computation over event dossiers.
//
// The similarity metric is fixed: cosine over fixed-length float32 vectors.
// Vectors of differing dimensionality score 0 rather than erroring, so a
// model change degrades to "no similarity evidence" instead of failing
// fusion outright.
package embed

import (
	"context"
	"math"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Available returns true if the embedding service is accessible.
	Available() bool
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CosineSimilarity computes similarity between two embeddings.
// Returns 1.0 for identical vectors, 0.0 for orthogonal vectors.
// Returns 0.0 if vectors have different lengths or either is zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
