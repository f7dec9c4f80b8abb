// Package embeddings defines the text-embedding provider contract used by the
// semantic routing stage. Backends map text to dense float32 vectors; all
// vectors from one Provider instance share the same dimensionality.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
type Provider interface {
	// Embed computes the vector for a single text. The result has length
	// Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for all texts in one backend call; the
	// i-th result corresponds to texts[i]. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length for this provider.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging.
	ModelID() string
}
