// Package router decides which generation tier handles an utterance. The
// decision runs a three-stage cascade with early exit (ordered rules, then
// embedding similarity against prototype centroids, then a fixed fallback)
// followed by a budget gate that can rewrite paid tiers to LOCAL.
//
// Classification is deterministic: the same text, thresholds, and centroids
// always yield the same decision. Centroids are built once at startup and
// never mutated.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/provider/embeddings"
	"github.com/atlas-voice/atlas/pkg/types"
)

// Router classifies utterances into tier decisions. Safe for concurrent use;
// thresholds may be swapped by policy hot reload while classifications run.
type Router struct {
	rules    *ruleStage
	semantic *semanticStage

	mu         sync.RWMutex
	thresholds config.ThresholdsConfig
}

// New builds a Router from policy inputs. Centroids come from
// [BuildCentroids] over the policy's prototype file. A nil provider or empty
// centroid set disables the semantic stage; non-rule utterances then go
// straight to the fixed fallback.
func New(routerCfg config.RouterConfig, provider embeddings.Provider, centroids []Centroid) (*Router, error) {
	rules, err := newRuleStage(routerCfg.SafetyPatterns)
	if err != nil {
		return nil, err
	}
	var semantic *semanticStage
	if provider != nil && len(centroids) > 0 {
		semantic, err = newSemanticStage(provider, centroids)
		if err != nil {
			return nil, err
		}
	}
	return &Router{
		rules:      rules,
		semantic:   semantic,
		thresholds: routerCfg.Thresholds,
	}, nil
}

// SetThresholds swaps the confidence gates. Used by policy hot reload; rule
// patterns and centroids are startup-only.
func (r *Router) SetThresholds(t config.ThresholdsConfig) {
	r.mu.Lock()
	r.thresholds = t
	r.mu.Unlock()
}

// Classify runs the cascade for utt and applies the budget gate against
// budget. Embedding failures degrade to the fixed fallback rather than
// failing the turn.
func (r *Router) Classify(ctx context.Context, utt types.Utterance, budget types.BudgetState) types.TierDecision {
	r.mu.RLock()
	th := r.thresholds
	r.mu.RUnlock()

	decision := r.cascade(ctx, utt, th)
	decision = applyBudgetGate(decision, budget, th.ThriftyKeepFast)
	decision.Budget = budget

	slog.Debug("utterance classified",
		"utterance_id", utt.ID,
		"tier", decision.Tier,
		"category", decision.Category,
		"confidence", decision.Confidence,
		"reason", decision.Reason,
		"budget_override", decision.BudgetOverride,
	)
	return decision
}

func (r *Router) cascade(ctx context.Context, utt types.Utterance, th config.ThresholdsConfig) types.TierDecision {
	if h, ok := r.rules.match(utt.Text); ok {
		return types.TierDecision{
			Tier:       h.rule.tier,
			Category:   h.rule.category,
			Confidence: ruleConfidence,
			Reason:     "rule:" + h.rule.name,
		}
	}

	if r.semantic == nil {
		return fallbackDecision("fallback:no-semantic")
	}

	res, err := r.semantic.classify(ctx, utt.Text, th.Abstain, th.TieEpsilon)
	switch {
	case err != nil:
		slog.Warn("semantic stage failed, using fallback", "utterance_id", utt.ID, "err", err)
		return fallbackDecision("fallback:embed-error")
	case res.abstained:
		d := fallbackDecision("abstain")
		d.NeedsClarification = true
		return d
	}

	reason := "semantic"
	if res.tieBroken {
		reason = "semantic:tie"
	}
	return types.TierDecision{
		Tier:       res.tier,
		Category:   res.category,
		Confidence: res.confidence,
		Reason:     reason,
	}
}

func fallbackDecision(reason string) types.TierDecision {
	return types.TierDecision{
		Tier:       types.TierFast,
		Category:   types.CategoryUnknown,
		Confidence: 0.5,
		Reason:     reason,
	}
}

// applyBudgetGate rewrites the tentative decision according to the budget
// mode. A degraded ledger is treated as at least THRIFTY so an invisible
// overspend cannot keep dispatching to paid tiers unchecked.
func applyBudgetGate(d types.TierDecision, budget types.BudgetState, thriftyKeepFast float64) types.TierDecision {
	mode := budget.Mode
	if budget.Degraded && mode < types.BudgetThrifty {
		mode = types.BudgetThrifty
	}

	switch mode {
	case types.BudgetNormal:
		return d

	case types.BudgetThrifty:
		switch d.Tier {
		case types.TierFast:
			if d.Confidence < thriftyKeepFast {
				d.Tier = types.TierLocal
				d.BudgetOverride = true
			}
		case types.TierAgent:
			if d.Category != types.CategorySafety {
				d.Tier = types.TierFast
				d.BudgetOverride = true
			}
		}
		return d

	case types.BudgetLocalOnly:
		if d.Tier != types.TierLocal {
			d.Tier = types.TierLocal
			d.BudgetOverride = true
			if d.Category == types.CategorySafety {
				d.SafetyOverride = true
			}
		}
		return d
	}
	return d
}
