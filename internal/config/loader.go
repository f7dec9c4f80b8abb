package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised names without rejecting them.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "deepseek", "mistral", "groq", "ollama", "llamacpp"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai", "ollama"},
	"ledger":     {"badger", "postgres"},
}

// Load reads the YAML policy file at path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML policy from r, applies defaults, and
// validates. Useful in tests with string-literal configs.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ControlAddr == "" {
		cfg.Server.ControlAddr = "127.0.0.1:7979"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.STT.Language == "" {
		cfg.Providers.STT.Language = "en"
	}

	th := &cfg.Router.Thresholds
	if th.Abstain == 0 {
		th.Abstain = 0.35
	}
	if th.TieEpsilon == 0 {
		th.TieEpsilon = 0.03
	}
	if th.ThriftyKeepFast == 0 {
		th.ThriftyKeepFast = 0.75
	}

	applyTierDefaults(&cfg.Tiers.Local, 500, 3000)
	applyTierDefaults(&cfg.Tiers.Fast, 1500, 6000)
	applyTierDefaults(&cfg.Tiers.Agent, 4000, 30000)

	b := &cfg.Budget
	if b.SoftFraction == 0 {
		b.SoftFraction = 0.8
	}
	if b.HardFraction == 0 {
		b.HardFraction = 1.0
	}
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
	if b.PeriodReset == "" {
		b.PeriodReset = "monthly"
	}

	v := &cfg.VAD
	if v.MinSpeechMS == 0 {
		v.MinSpeechMS = 250
	}
	if v.MinSilenceMS == 0 {
		v.MinSilenceMS = 400
	}
	if v.SpeechPadMS == 0 {
		v.SpeechPadMS = 100
	}
	if v.Threshold == 0 {
		v.Threshold = 0.5
	}

	if cfg.Synth.FlushChars == 0 {
		cfg.Synth.FlushChars = 200
	}
	if cfg.Synth.SentenceTerminators == "" {
		cfg.Synth.SentenceTerminators = ".!?;\n"
	}

	if len(cfg.Filler.Phrases) == 0 {
		cfg.Filler.Phrases = []string{
			"One moment.",
			"Let me think about that.",
			"Just a second.",
		}
	}
	if cfg.Persona.RefusalPhrase == "" {
		cfg.Persona.RefusalPhrase = "Sorry, I can't answer that right now."
	}
	if cfg.Persona.ApologyPhrase == "" {
		cfg.Persona.ApologyPhrase = "Sorry, that's taking me too long. Ask me again in a moment."
	}

	if cfg.Ledger.Store == "" {
		cfg.Ledger.Store = "badger"
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "atlas-ledger"
	}
}

func applyTierDefaults(t *TierConfig, ttftMS, totalMS int) {
	if t.TTFTDeadlineMS == 0 {
		t.TTFTDeadlineMS = ttftMS
	}
	if t.TotalDeadlineMS == 0 {
		t.TotalDeadlineMS = totalMS
	}
}

// Validate checks that cfg is coherent. It returns a joined error listing all
// failures found; suspicious but workable values only produce warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("ledger", cfg.Ledger.Store)
	for _, tier := range []struct {
		name string
		cfg  TierConfig
	}{
		{"tiers.local", cfg.Tiers.Local},
		{"tiers.fast", cfg.Tiers.Fast},
		{"tiers.agent", cfg.Tiers.Agent},
	} {
		validateProviderName("llm", tier.cfg.Provider)
		if tier.cfg.TTFTDeadlineMS < 0 || tier.cfg.TotalDeadlineMS < 0 {
			errs = append(errs, fmt.Errorf("%s: deadlines must not be negative", tier.name))
		}
		if tier.cfg.TTFTDeadlineMS > tier.cfg.TotalDeadlineMS {
			errs = append(errs, fmt.Errorf("%s: ttft_deadline_ms %d exceeds total_deadline_ms %d",
				tier.name, tier.cfg.TTFTDeadlineMS, tier.cfg.TotalDeadlineMS))
		}
		if tier.cfg.UnitCost.InputPer1K < 0 || tier.cfg.UnitCost.OutputPer1K < 0 {
			errs = append(errs, fmt.Errorf("%s.unit_cost must not be negative", tier.name))
		}
	}
	if cfg.Tiers.Local.UnitCost != (UnitCostConfig{}) {
		slog.Warn("tiers.local.unit_cost is set but the local tier never bills; ignoring")
	}

	b := cfg.Budget
	if b.MonthlyCapUSD < 0 || b.DailyCapUSD < 0 {
		errs = append(errs, errors.New("budget caps must not be negative"))
	}
	if b.SoftFraction <= 0 || b.SoftFraction > 1 {
		errs = append(errs, fmt.Errorf("budget.soft_fraction %.2f is out of range (0, 1]", b.SoftFraction))
	}
	if b.HardFraction <= 0 || b.HardFraction > 1 {
		errs = append(errs, fmt.Errorf("budget.hard_fraction %.2f is out of range (0, 1]", b.HardFraction))
	}
	if b.SoftFraction > b.HardFraction {
		errs = append(errs, fmt.Errorf("budget.soft_fraction %.2f exceeds hard_fraction %.2f", b.SoftFraction, b.HardFraction))
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("budget.timezone %q: %w", b.Timezone, err))
	}
	if b.PeriodReset != "monthly" && b.PeriodReset != "daily" {
		errs = append(errs, fmt.Errorf("budget.period_reset %q is invalid; valid values: monthly, daily", b.PeriodReset))
	}

	th := cfg.Router.Thresholds
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"router.thresholds.abstain", th.Abstain},
		{"router.thresholds.tie_epsilon", th.TieEpsilon},
		{"router.thresholds.thrifty_keep_fast", th.ThriftyKeepFast},
	} {
		if f.value < 0 || f.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", f.name, f.value))
		}
	}

	v := cfg.VAD
	if v.MinSpeechMS <= 0 || v.MinSilenceMS <= 0 || v.SpeechPadMS < 0 {
		errs = append(errs, errors.New("vad durations must be positive"))
	}
	if v.Threshold <= 0 || v.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1)", v.Threshold))
	}

	if cfg.Synth.FlushChars <= 0 {
		errs = append(errs, fmt.Errorf("synth.flush_chars %d must be positive", cfg.Synth.FlushChars))
	}

	if cfg.Ledger.Store == "postgres" && cfg.Ledger.PostgresDSN == "" {
		errs = append(errs, errors.New("ledger.postgres_dsn is required when ledger.store is postgres"))
	}

	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; the router will rely on rules and fallback only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
