package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// Retrieval limits and defaults.
const (
	DefaultTopK           = 15
	MaxTopK               = 50
	DefaultSecondaryBoost = 0.25
)

// Retriever embeds a query and searches the account index.
type Retriever struct {
	embedder Embedder
	index    Index
	catalog  *catalog.Catalog
	logger   *slog.Logger
}

// NewRetriever creates a retriever over an index built with the same embedder.
func NewRetriever(embedder Embedder, index Index, cat *catalog.Catalog, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		catalog:  cat,
		logger:   logger,
	}
}

// Retrieve returns up to topK accounts under prefix ranked by similarity to text.
// An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, text, prefix string, topK int) (model.Candidates, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty text", common.ErrInvalidQuery)
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k %d outside 1-%d", common.ErrInvalidQuery, topK, MaxTopK)
	}

	vectors, err := r.embedder.Embed(ctx, []string{normalized}, InputQuery)
	if err != nil {
		return nil, common.Retryable(fmt.Errorf("failed to embed query: %w", err))
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	candidates, err := r.index.Search(ctx, vectors[0], prefix, topK)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Retrieved candidates",
		"prefix", prefix,
		"top_k", topK,
		"found", len(candidates))
	return candidates, nil
}

// Boost raises candidates whose catalog account lists secondaryKey and re-sorts them.
func (r *Retriever) Boost(candidates model.Candidates, secondaryKey string, boost float64) {
	if secondaryKey == "" || len(candidates) == 0 {
		return
	}
	matches := make(map[string]bool)
	for _, c := range candidates {
		if e, ok := r.catalog.Lookup(c.Code); ok && e.HasKey(secondaryKey) {
			matches[c.Code] = true
		}
	}
	if len(matches) == 0 {
		return
	}
	candidates.ApplyBoost(matches, boost)
}

// BroadenedTopK doubles topK for a retry, capped at MaxTopK.
func BroadenedTopK(topK int) int {
	return min(topK*2, MaxTopK)
}
