package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"golang.org/x/sync/errgroup"
)

// Index searches precomputed account vectors.
type Index interface {
	Search(ctx context.Context, vector []float32, prefix string, topK int) (model.Candidates, error)
}

type indexEntry struct {
	entry  catalog.Entry
	vector []float32
}

// MemoryIndex holds one vector per catalog account in process memory.
// It is built once and read concurrently afterwards.
type MemoryIndex struct {
	entries []indexEntry
}

const buildBatchSize = 32

// AccountText is the text embedded for an account: its name, description and ancestry names.
func AccountText(cat *catalog.Catalog, e catalog.Entry) string {
	parts := []string{e.Name, e.Description}
	if sub, ok := cat.Lookup(e.Parent); ok {
		parts = append(parts, sub.Name)
		if fam, ok := cat.Lookup(sub.Parent); ok {
			parts = append(parts, fam.Name)
		}
	}
	return strings.Join(parts, ". ")
}

// BuildIndex embeds every account of the catalog. Batches are embedded in parallel.
func BuildIndex(ctx context.Context, cat *catalog.Catalog, embedder Embedder) (*MemoryIndex, error) {
	accounts := cat.Accounts("")
	idx := &MemoryIndex{entries: make([]indexEntry, len(accounts))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(accounts); start += buildBatchSize {
		end := min(start+buildBatchSize, len(accounts))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, e := range accounts[start:end] {
				texts = append(texts, AccountText(cat, e))
			}
			vectors, err := embedder.Embed(gctx, texts, InputDocument)
			if err != nil {
				return fmt.Errorf("failed to embed accounts %d-%d: %w", start, end, err)
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("%w: embedder returned %d vectors for %d accounts", common.ErrExternalService, len(vectors), len(texts))
			}
			for i, vec := range vectors {
				idx.entries[start+i] = indexEntry{entry: accounts[start+i], vector: vec}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Len returns the number of indexed accounts.
func (m *MemoryIndex) Len() int {
	return len(m.entries)
}

// Search ranks accounts whose code starts with prefix by cosine similarity.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, prefix string, topK int) (model.Candidates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out model.Candidates
	for _, ie := range m.entries {
		if !strings.HasPrefix(ie.entry.Code, prefix) {
			continue
		}
		out = append(out, model.CandidateAccount{
			Code:        ie.entry.Code,
			Name:        ie.entry.Name,
			PrefixHint:  ie.entry.Parent,
			Description: ie.entry.Description,
			Score:       clampScore(cosine(vector, ie.vector)),
		})
	}
	sort.Sort(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
