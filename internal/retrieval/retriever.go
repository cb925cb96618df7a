// Package retrieval returns similarity-ranked clinical-scenario candidates for a query vector.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// Retriever is a thin consumer of a vector store. It enforces the retrieval
// contract (topK, dimension, ordering) regardless of the backing store.
type Retriever struct {
	store  domain.VectorStore
	logger *logrus.Logger
}

// NewRetriever creates a Retriever over the given store.
func NewRetriever(store domain.VectorStore, logger *logrus.Logger) *Retriever {
	return &Retriever{store: store, logger: logger}
}

// Dimension is the corpus embedding dimension.
func (r *Retriever) Dimension() int {
	return r.store.Dimension()
}

// Retrieve returns up to topK candidates sorted by descending similarity.
// Ties keep the store's order, which is corpus insertion order.
func (r *Retriever) Retrieve(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error) {
	if topK < 1 {
		return nil, domain.NewValidationError("top_k", "must be at least 1", topK)
	}
	if dim := r.store.Dimension(); len(vec) != dim {
		return nil, &domain.DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}

	found, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	candidates := dedupe(found)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	r.logger.WithFields(logrus.Fields{
		"top_k":     topK,
		"retrieved": len(candidates),
	}).Debug("Retrieved scenario candidates")

	return candidates, nil
}

// dedupe drops repeated scenario IDs and empty descriptions, keeping first occurrence.
func dedupe(in []domain.Candidate) []domain.Candidate {
	seen := make(map[string]bool, len(in))
	out := make([]domain.Candidate, 0, len(in))
	for _, c := range in {
		if c.Description == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// MaxSimilarity returns the best similarity among candidates, or 0 when empty.
func MaxSimilarity(candidates []domain.Candidate) float64 {
	best := 0.0
	for i, c := range candidates {
		if i == 0 || c.Similarity > best {
			best = c.Similarity
		}
	}
	return best
}
