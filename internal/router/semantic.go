package router

import (
	"context"
	"fmt"

	"github.com/atlas-voice/atlas/pkg/provider/embeddings"
	"github.com/atlas-voice/atlas/pkg/types"
)

// semanticResult is the outcome of the embedding comparison stage.
type semanticResult struct {
	tier       types.Tier
	category   types.Category
	confidence float64
	similarity float64
	abstained  bool
	tieBroken  bool
}

// semanticStage compares utterance embeddings against the pinned prototype
// centroids.
type semanticStage struct {
	provider  embeddings.Provider
	centroids []Centroid
}

func newSemanticStage(provider embeddings.Provider, centroids []Centroid) (*semanticStage, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("router: no centroids")
	}
	return &semanticStage{provider: provider, centroids: centroids}, nil
}

// classify embeds text and picks the closest centroid. When the top two
// similarities fall within tieEpsilon, the higher-capability candidate wins
// so uncertainty errs toward capability. A top similarity below abstain
// yields an abstention.
func (s *semanticStage) classify(ctx context.Context, text string, abstain, tieEpsilon float64) (semanticResult, error) {
	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return semanticResult{}, fmt.Errorf("router: embed utterance: %w", err)
	}

	best, second := -1, -1
	var bestSim, secondSim float64 = -2, -2
	for i := range s.centroids {
		sim := cosine(vec, s.centroids[i].Vec)
		switch {
		case sim > bestSim:
			second, secondSim = best, bestSim
			best, bestSim = i, sim
		case sim > secondSim:
			second, secondSim = i, sim
		}
	}

	if bestSim < abstain {
		return semanticResult{abstained: true, similarity: bestSim}, nil
	}

	winner := s.centroids[best]
	res := semanticResult{similarity: bestSim}
	if second >= 0 && bestSim-secondSim <= tieEpsilon {
		runner := s.centroids[second]
		if runner.Tier > winner.Tier {
			winner = runner
			res.tieBroken = true
		}
	}

	res.tier = winner.Tier
	res.category = winner.Category
	res.confidence = mapConfidence(bestSim, abstain)
	return res, nil
}

// mapConfidence maps a similarity in [abstain, 1] linearly onto [0.5, 0.9].
func mapConfidence(sim, abstain float64) float64 {
	if sim >= 1 {
		return 0.9
	}
	span := 1 - abstain
	if span <= 0 {
		return 0.5
	}
	return 0.5 + (sim-abstain)/span*0.4
}
