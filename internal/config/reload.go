package config

import "slices"

// ReloadDiff describes what changed between two policies, split into options
// that can be applied to a running pipeline and options that require a
// restart. Breaking changes are reported but never applied by reload.
type ReloadDiff struct {
	// Reloadable sections: tuning knobs the pipeline swaps between turns.
	ThresholdsChanged bool
	BudgetChanged     bool
	SynthChanged      bool
	FillerChanged     bool
	PersonaChanged    bool

	// Breaking names the sections whose change requires a restart
	// (backends, model handles, server settings, VAD timings, billing
	// period boundaries, prototype inputs).
	Breaking []string
}

// Changed reports whether any reloadable option changed.
func (d ReloadDiff) Changed() bool {
	return d.ThresholdsChanged || d.BudgetChanged || d.SynthChanged ||
		d.FillerChanged || d.PersonaChanged
}

// Diff compares old and new policies and classifies every change as
// reloadable or breaking. Reloadable are router thresholds, spend caps,
// synthesis chunking rules, and the filler/persona phrase sets; everything
// that holds a connection, a model, or a period boundary is startup-only.
func Diff(old, new *Config) ReloadDiff {
	d := ReloadDiff{}

	if old.Router.Thresholds != new.Router.Thresholds {
		d.ThresholdsChanged = true
	}
	if capsOf(old.Budget) != capsOf(new.Budget) {
		d.BudgetChanged = true
	}
	if old.Synth != new.Synth {
		d.SynthChanged = true
	}
	if !slices.Equal(old.Filler.Phrases, new.Filler.Phrases) {
		d.FillerChanged = true
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}

	if old.Server != new.Server {
		d.Breaking = append(d.Breaking, "server")
	}
	if old.Providers != new.Providers {
		d.Breaking = append(d.Breaking, "providers")
	}
	if old.Tiers != new.Tiers {
		d.Breaking = append(d.Breaking, "tiers")
	}
	if old.Budget.Timezone != new.Budget.Timezone || old.Budget.PeriodReset != new.Budget.PeriodReset {
		d.Breaking = append(d.Breaking, "budget.period")
	}
	if old.VAD != new.VAD {
		d.Breaking = append(d.Breaking, "vad")
	}
	if old.Ledger != new.Ledger {
		d.Breaking = append(d.Breaking, "ledger")
	}
	if old.Router.Prototypes != new.Router.Prototypes ||
		!slices.Equal(old.Router.SafetyPatterns, new.Router.SafetyPatterns) {
		d.Breaking = append(d.Breaking, "router.prototypes")
	}
	return d
}

// capsOf projects the live-adjustable cap fields out of a budget section.
func capsOf(b BudgetConfig) [4]float64 {
	return [4]float64{b.MonthlyCapUSD, b.DailyCapUSD, b.SoftFraction, b.HardFraction}
}
