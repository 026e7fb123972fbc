// Package embedclient defines the Embedder contract consumed by the
// Vector Index Builder (C8), plus a concrete HTTP-based implementation
// adapted from the teacher's embeddings.Service.
package embedclient

import "context"

// Embedder is the external embedding-service adapter contract. The
// pipeline depends only on this interface; HTTPEmbedder is the default
// concrete wiring.
type Embedder interface {
	// EmbedTexts embeds a batch of texts in one call, returning one
	// vector per input in the same order. len(batch) must not exceed
	// MaxBatchSize().
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedText embeds a single text.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed vector dimension this embedder produces.
	Dimension() int

	// MaxBatchSize returns the largest batch EmbedTexts will accept.
	MaxBatchSize() int

	// HealthCheck verifies the embedding service is reachable.
	HealthCheck(ctx context.Context) error
}
