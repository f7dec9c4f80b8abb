package router

import (
	"context"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atlas-voice/atlas/pkg/provider/embeddings"
	"github.com/atlas-voice/atlas/pkg/types"
)

// Prototype is one labelled group of example phrases from the prototype file.
type Prototype struct {
	Tier     string   `yaml:"tier"`
	Category string   `yaml:"category"`
	Phrases  []string `yaml:"phrases"`
}

type prototypeFile struct {
	Prototypes []Prototype `yaml:"prototypes"`
}

// Centroid is the unit-normalised mean embedding of one prototype group.
type Centroid struct {
	Tier     types.Tier
	Category types.Category
	Vec      []float32
}

// LoadPrototypes reads and validates the prototype file at path.
func LoadPrototypes(path string) ([]Prototype, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read prototypes: %w", err)
	}
	var f prototypeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("router: parse prototypes: %w", err)
	}
	if len(f.Prototypes) == 0 {
		return nil, fmt.Errorf("router: prototype file %q defines no prototypes", path)
	}
	for i, p := range f.Prototypes {
		if _, err := types.ParseTier(p.Tier); err != nil {
			return nil, fmt.Errorf("router: prototype %d: %w", i, err)
		}
		if _, err := types.ParseCategory(p.Category); err != nil {
			return nil, fmt.Errorf("router: prototype %d: %w", i, err)
		}
		if len(p.Phrases) == 0 {
			return nil, fmt.Errorf("router: prototype %d (%s/%s) has no phrases", i, p.Tier, p.Category)
		}
	}
	return f.Prototypes, nil
}

// BuildCentroids embeds every prototype phrase in one batch per group and
// averages into a unit vector. Called once at startup; the result is pinned
// for the process lifetime so classification stays deterministic.
func BuildCentroids(ctx context.Context, provider embeddings.Provider, protos []Prototype) ([]Centroid, error) {
	out := make([]Centroid, 0, len(protos))
	for _, p := range protos {
		vecs, err := provider.EmbedBatch(ctx, p.Phrases)
		if err != nil {
			return nil, fmt.Errorf("router: embed prototypes %s/%s: %w", p.Tier, p.Category, err)
		}
		tier, _ := types.ParseTier(p.Tier)
		cat, _ := types.ParseCategory(p.Category)
		out = append(out, Centroid{Tier: tier, Category: cat, Vec: meanUnit(vecs)})
	}
	return out, nil
}

// meanUnit averages vecs component-wise and normalises to unit length.
func meanUnit(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	mean := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range v {
			mean[i] += v[i]
		}
	}
	var norm float64
	for i := range mean {
		mean[i] /= float32(len(vecs))
		norm += float64(mean[i]) * float64(mean[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return mean
	}
	for i := range mean {
		mean[i] = float32(float64(mean[i]) / norm)
	}
	return mean
}

// cosine returns the cosine similarity of a and b. Vectors of mismatched
// length score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
