// Package vector provides the L3 semantic tier: an embedder that turns
// prompt text into vectors and a pgvector-backed store for similarity
// lookups scoped by namespace, provider, and model.
package vector

import (
	"context"
	"encoding/json"
	"time"
)

// SemanticRecord is one L3 entry. The response payload travels with the
// record so an L3 hit needs no second lookup.
type SemanticRecord struct {
	ID        string
	Namespace string
	Provider  string
	Model     string
	Embedding []float32
	Response  json.RawMessage
	CachedAt  time.Time
	TTL       time.Duration
}

// Match is a similarity search result
type Match struct {
	ID         string
	Similarity float32
	Response   json.RawMessage
	CachedAt   time.Time
}

// Store is the vector index the tier engine talks to
type Store interface {
	Upsert(ctx context.Context, rec SemanticRecord) error
	Query(ctx context.Context, namespace, provider, model string, embedding []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
}

// Embedder computes an embedding for a piece of text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
