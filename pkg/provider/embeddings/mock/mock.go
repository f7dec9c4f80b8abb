// Package mock provides a deterministic embeddings.Provider for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/atlas-voice/atlas/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider maps text to unit vectors. Fixed assigns exact vectors per text;
// anything else gets a deterministic hash-derived vector, so equal texts are
// always close and different texts usually are not.
type Provider struct {
	// Dims is the vector length. Default 8.
	Dims int

	// Fixed overrides the vector for specific texts.
	Fixed map[string][]float32

	// Err, when non-nil, fails every call.
	Err error
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := p.Fixed[text]; ok {
		return v, nil
	}
	return p.hashVector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock" }

func (p *Provider) hashVector(text string) []float32 {
	dims := p.Dimensions()
	out := make([]float32, dims)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed>>32)) / float32(math.MaxInt32)
		out[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}
