// Package config provides the policy schema, loader, and hot-reload watcher
// for the ATLAS voice routing core.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root policy structure, loaded from YAML via [Load] or
// [LoadFromReader]. A loaded Config is immutable; hot reloads produce a new
// value.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Router    RouterConfig    `yaml:"router"`
	Tiers     TiersConfig     `yaml:"tiers"`
	Budget    BudgetConfig    `yaml:"budget"`
	VAD       VADConfig       `yaml:"vad"`
	Synth     SynthConfig     `yaml:"synth"`
	Filler    FillerConfig    `yaml:"filler"`
	Persona   PersonaConfig   `yaml:"persona"`
	Ledger    LedgerConfig    `yaml:"ledger"`
}

// ServerConfig holds the control surface address and logging settings.
type ServerConfig struct {
	// ControlAddr is the TCP address of the HTTP control surface
	// (status, cancel, reload-policy, metrics). Default "127.0.0.1:7979".
	ControlAddr string `yaml:"control_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the non-generation backends: transcription,
// synthesis, and routing embeddings. Generation backends are configured per
// tier in [TiersConfig].
type ProvidersConfig struct {
	STT        STTConfig     `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// STTConfig selects the transcription backend.
type STTConfig struct {
	// ModelPath is the path to the whisper.cpp model file.
	ModelPath string `yaml:"model_path"`

	// Language is the transcription language code. Default "en".
	Language string `yaml:"language"`
}

// ProviderEntry is the common configuration block for remote providers.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "elevenlabs", "openai",
	// "ollama").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider, when required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier (TTS only).
	Voice string `yaml:"voice"`
}

// RouterConfig holds classification thresholds and rule inputs.
type RouterConfig struct {
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// Prototypes is the path to the YAML file holding per-tier prototype
	// phrases for the semantic stage.
	Prototypes string `yaml:"prototypes"`

	// SafetyPatterns are additional regex patterns that force the safety
	// category. Matched case-insensitively alongside the built-in set.
	SafetyPatterns []string `yaml:"safety_patterns"`
}

// ThresholdsConfig tunes the router's confidence gates.
type ThresholdsConfig struct {
	// Abstain is the minimum semantic similarity before a classification is
	// marked unknown. Default 0.35.
	Abstain float64 `yaml:"abstain"`

	// TieEpsilon is the similarity margin within which ties are broken toward
	// the higher-capability tier. Default 0.03.
	TieEpsilon float64 `yaml:"tie_epsilon"`

	// ThriftyKeepFast is the minimum confidence to keep a FAST decision while
	// the budget is in THRIFTY mode. Default 0.75.
	ThriftyKeepFast float64 `yaml:"thrifty_keep_fast"`
}

// TiersConfig configures the three generation backends.
type TiersConfig struct {
	Local TierConfig `yaml:"local"`
	Fast  TierConfig `yaml:"fast"`
	Agent TierConfig `yaml:"agent"`
}

// TierConfig configures one generation tier.
type TierConfig struct {
	// Provider is the any-llm backend name (e.g., "ollama", "groq",
	// "anthropic").
	Provider string `yaml:"provider"`

	// Model is the model identifier within the provider.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider, when required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// TTFTDeadlineMS bounds time to first token.
	TTFTDeadlineMS int `yaml:"ttft_deadline_ms"`

	// TotalDeadlineMS bounds the whole stream.
	TotalDeadlineMS int `yaml:"total_deadline_ms"`

	// MaxOutputTokens caps the response length. 0 means backend default.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// UnitCost prices the tier per 1k tokens. Zero for unmetered tiers.
	UnitCost UnitCostConfig `yaml:"unit_cost"`

	// BillUsage, when false on a metered-looking tier, forces recorded cost
	// to zero (subscription-covered backends). Only consulted for AGENT.
	BillUsage bool `yaml:"bill_usage"`
}

// TTFTDeadline returns the time-to-first-token deadline as a duration.
func (t TierConfig) TTFTDeadline() time.Duration {
	return time.Duration(t.TTFTDeadlineMS) * time.Millisecond
}

// TotalDeadline returns the total stream deadline as a duration.
func (t TierConfig) TotalDeadline() time.Duration {
	return time.Duration(t.TotalDeadlineMS) * time.Millisecond
}

// UnitCostConfig prices generation per 1000 tokens, in USD.
type UnitCostConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// BudgetConfig holds spend caps and the billing-period boundary policy.
type BudgetConfig struct {
	// MonthlyCapUSD is the monthly spend ceiling. 0 disables the cap.
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd"`

	// DailyCapUSD is the daily spend ceiling. 0 disables the cap.
	DailyCapUSD float64 `yaml:"daily_cap_usd"`

	// SoftFraction is the cap fraction at which the mode becomes THRIFTY.
	// Default 0.8.
	SoftFraction float64 `yaml:"soft_fraction"`

	// HardFraction is the cap fraction at which the mode becomes LOCAL_ONLY.
	// Default 1.0.
	HardFraction float64 `yaml:"hard_fraction"`

	// Timezone is the IANA zone in which period boundaries fall. Default UTC.
	Timezone string `yaml:"timezone"`

	// PeriodReset selects the billing period boundary: "monthly" or "daily".
	// Default "monthly".
	PeriodReset string `yaml:"period_reset"`
}

// VADConfig tunes the voice-activity detector.
type VADConfig struct {
	MinSpeechMS  int     `yaml:"min_speech_ms"`
	MinSilenceMS int     `yaml:"min_silence_ms"`
	SpeechPadMS  int     `yaml:"speech_pad_ms"`
	Threshold    float64 `yaml:"threshold"`
}

// SynthConfig tunes token-to-audio chunking.
type SynthConfig struct {
	// FlushChars is the buffered-text ceiling that forces a chunk even
	// without a sentence terminator. Default 200.
	FlushChars int `yaml:"flush_chars"`

	// SentenceTerminators are the runes that end a chunk. Default ".!?;"
	// plus newline.
	SentenceTerminators string `yaml:"sentence_terminators"`
}

// FillerConfig holds the neutral phrases spoken while cloud tiers think.
type FillerConfig struct {
	Phrases []string `yaml:"phrases"`
}

// PersonaConfig holds fixed assistant phrasing.
type PersonaConfig struct {
	// SystemPrompt is injected into every generation request.
	SystemPrompt string `yaml:"system_prompt"`

	// RefusalPhrase is spoken when every tier has failed.
	RefusalPhrase string `yaml:"refusal_phrase"`

	// ApologyPhrase is spoken when a generation hits its total deadline.
	ApologyPhrase string `yaml:"apology_phrase"`
}

// LedgerConfig selects the usage store backend.
type LedgerConfig struct {
	// Store is "badger" (embedded, default) or "postgres" (shared).
	Store string `yaml:"store"`

	// Path is the badger database directory. Default "atlas-ledger".
	Path string `yaml:"path"`

	// PostgresDSN is the connection string when Store is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}
