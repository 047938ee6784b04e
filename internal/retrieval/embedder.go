package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/austinfhunter/voyageai"
)

// InputKind tells an embedder whether text is a stored document or a query.
type InputKind string

// Input kinds.
const (
	InputDocument InputKind = "document"
	InputQuery    InputKind = "query"
)

// Embedder turns text into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string, kind InputKind) ([][]float32, error)
	Dimensions() int
}

// DefaultHashDimensions is the vector size of the local hash embedder.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic local embedder built from hashed word tokens
// and character trigrams. It needs no network and suits tests and small catalogs.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given number of dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the vector size.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}

// Embed hashes each text into an L2-normalized vector.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string, _ InputKind) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(Normalize(text))
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	for _, word := range strings.Fields(text) {
		h.add(vec, "w:"+word, 2)
		padded := "^" + word + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "t:"+string(runes[i:i+3]), 1)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// DefaultVoyageModel is the Voyage AI model used when none is configured.
const DefaultVoyageModel = "voyage-3.5-lite"

// VoyageEmbedder embeds text with the Voyage AI API.
type VoyageEmbedder struct {
	client *voyageai.VoyageClient
	model  string
	dims   int
}

// NewVoyageEmbedder creates a Voyage AI embedder.
func NewVoyageEmbedder(apiKey, model string, dims int) (*VoyageEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage API key is required")
	}
	if model == "" {
		model = DefaultVoyageModel
	}
	if dims <= 0 {
		dims = 1024
	}
	return &VoyageEmbedder{
		client: voyageai.NewClient(&voyageai.VoyageClientOpts{Key: apiKey}),
		model:  model,
		dims:   dims,
	}, nil
}

// Dimensions returns the configured output dimension.
func (v *VoyageEmbedder) Dimensions() int {
	return v.dims
}

// Embed sends the texts to Voyage AI in one request.
func (v *VoyageEmbedder) Embed(ctx context.Context, texts []string, kind InputKind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputType := string(kind)
	dims := v.dims
	resp, err := v.client.Embed(texts, v.model, &voyageai.EmbeddingRequestOpts{
		InputType:       &inputType,
		OutputDimension: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("could not get embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("voyage returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
