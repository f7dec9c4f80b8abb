package resilience

import (
	"log/slog"
	"sync"

	"github.com/atlas-voice/atlas/pkg/types"
)

// TierHealth tracks availability of the remote generation tiers. The local
// tier has no breaker; it is the terminal fallback and is always considered
// available.
type TierHealth struct {
	fast  *Breaker
	agent *Breaker

	mu       sync.Mutex
	disabled map[types.Tier]string // tier → reason, for permanent failures
}

// NewTierHealth creates breakers for the FAST and AGENT tiers.
func NewTierHealth() *TierHealth {
	return &TierHealth{
		fast:     NewBreaker(BreakerConfig{Name: "tier-fast"}),
		agent:    NewBreaker(BreakerConfig{Name: "tier-agent"}),
		disabled: make(map[types.Tier]string),
	}
}

// Available reports whether tier may take a turn right now. An available
// answer for a remote tier reserves a probe slot when its breaker is
// half-open, so callers must dispatch and then call Report.
func (h *TierHealth) Available(tier types.Tier) bool {
	h.mu.Lock()
	_, dead := h.disabled[tier]
	h.mu.Unlock()
	if dead {
		return false
	}

	switch tier {
	case types.TierFast:
		return h.fast.Allow()
	case types.TierAgent:
		return h.agent.Allow()
	default:
		return true
	}
}

// Report records a dispatch outcome for tier. Outcomes for LOCAL are ignored.
func (h *TierHealth) Report(tier types.Tier, err error) {
	switch tier {
	case types.TierFast:
		h.fast.Report(err)
	case types.TierAgent:
		h.agent.Report(err)
	}
}

// Disable permanently removes tier from service for the process lifetime,
// e.g. on invalid credentials. Disabling LOCAL is ignored.
func (h *TierHealth) Disable(tier types.Tier, reason string) {
	if tier == types.TierLocal {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.disabled[tier]; ok {
		return
	}
	h.disabled[tier] = reason
	slog.Error("tier permanently disabled", "tier", tier, "reason", reason)
}

// Snapshot returns the breaker states and permanent disables for status
// reporting.
func (h *TierHealth) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := map[string]string{
		"FAST":  h.fast.CurrentState().String(),
		"AGENT": h.agent.CurrentState().String(),
	}
	for tier, reason := range h.disabled {
		out[tier.String()] = "disabled: " + reason
	}
	return out
}
