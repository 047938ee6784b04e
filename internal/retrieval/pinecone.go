package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// vectorStore is the part of *pinecone.IndexConnection the index uses.
type vectorStore interface {
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
}

// PineconeConfig locates a Pinecone index.
type PineconeConfig struct {
	APIKey    string
	Host      string
	Namespace string
}

// PineconeIndex searches account vectors stored in Pinecone.
// Prefix filters are expressed as metadata filters on the family and subfamily fields.
type PineconeIndex struct {
	store   vectorStore
	catalog *catalog.Catalog
}

// NewPineconeIndex connects to a Pinecone index.
func NewPineconeIndex(cfg PineconeConfig, cat *catalog.Catalog) (*PineconeIndex, error) {
	if cfg.APIKey == "" || cfg.Host == "" {
		return nil, fmt.Errorf("%w: pinecone api key and host are required", common.ErrMissingConfig)
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pinecone client: %w", err)
	}
	conn, err := client.Index(pinecone.NewIndexConnParams{
		Host:      cfg.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pinecone index: %w", err)
	}

	return &PineconeIndex{store: conn, catalog: cat}, nil
}

func (p *PineconeIndex) filterFor(prefix string) (*structpb.Struct, error) {
	if prefix == "" {
		return nil, nil
	}
	entry, ok := p.catalog.Lookup(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: prefix %q is not a catalog code", common.ErrInvalidQuery, prefix)
	}

	var field string
	switch entry.Level {
	case catalog.LevelFamily:
		field = "family"
	case catalog.LevelSubfamily:
		field = "subfamily"
	default:
		field = "code"
	}

	filter, err := structpb.NewStruct(map[string]any{
		field: map[string]any{"$eq": prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata filter: %w", err)
	}
	return filter, nil
}

// Search queries Pinecone for the closest accounts under prefix.
func (p *PineconeIndex) Search(ctx context.Context, vector []float32, prefix string, topK int) (model.Candidates, error) {
	filter, err := p.filterFor(prefix)
	if err != nil {
		return nil, err
	}

	resp, err := p.store.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK), //nolint:gosec // topK is validated to 1-50
		IncludeValues:   false,
		IncludeMetadata: true,
		MetadataFilter:  filter,
	})
	if err != nil {
		return nil, common.Retryable(fmt.Errorf("pinecone query failed: %w", err))
	}

	out := make(model.Candidates, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match == nil || match.Vector == nil {
			continue
		}
		code := match.Vector.Id
		entry, ok := p.catalog.Lookup(code)
		if !ok {
			// Stale vector left over from an older catalog.
			continue
		}
		out = append(out, model.CandidateAccount{
			Code:        code,
			Name:        entry.Name,
			PrefixHint:  entry.Parent,
			Description: entry.Description,
			Score:       clampScore(float64(match.Score)),
		})
	}
	sort.Sort(out)
	return out, nil
}

// Sync embeds every catalog account and upserts it with hierarchy metadata.
func (p *PineconeIndex) Sync(ctx context.Context, embedder Embedder) (int, error) {
	accounts := p.catalog.Accounts("")
	var upserted int

	for start := 0; start < len(accounts); start += buildBatchSize {
		end := min(start+buildBatchSize, len(accounts))
		batch := accounts[start:end]

		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = AccountText(p.catalog, e)
		}
		vectors, err := embedder.Embed(ctx, texts, InputDocument)
		if err != nil {
			return upserted, fmt.Errorf("failed to embed accounts: %w", err)
		}
		if len(vectors) != len(texts) {
			return upserted, fmt.Errorf("%w: embedder returned %d vectors for %d accounts", common.ErrExternalService, len(vectors), len(texts))
		}

		records := make([]*pinecone.Vector, 0, len(batch))
		for i, e := range batch {
			family, subfamily, _, err := p.catalog.Ancestry(e.Code)
			if err != nil {
				return upserted, err
			}
			meta, err := structpb.NewStruct(map[string]any{
				"code":      e.Code,
				"family":    family,
				"subfamily": subfamily,
				"name":      e.Name,
			})
			if err != nil {
				return upserted, fmt.Errorf("failed to create metadata for %s: %w", e.Code, err)
			}
			records = append(records, &pinecone.Vector{
				Id:       e.Code,
				Values:   vectors[i],
				Metadata: &pinecone.Metadata{Fields: meta.Fields},
			})
		}

		n, err := p.store.UpsertVectors(ctx, records)
		if err != nil {
			return upserted, fmt.Errorf("pinecone upsert failed: %w", err)
		}
		upserted += int(n)
	}
	return upserted, nil
}
