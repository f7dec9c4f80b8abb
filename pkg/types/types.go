// Package types defines the shared types used across all ATLAS packages.
//
// These types form the lingua franca between the audio front end, the voice
// activity detector, the transcriber, the router, the generator adapters, the
// synthesizer, and the cost ledger. Each package defines its own domain types,
// but cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Frame is a single fixed-size chunk of PCM16 audio flowing through the
// pipeline. Frames are immutable once produced and are consumed exactly once
// by the VAD (and, inside a speech bracket, forwarded to the transcriber).
type Frame struct {
	// PCM holds little-endian signed 16-bit mono samples.
	PCM []int16

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Timestamp marks when this frame was captured, on the monotonic
	// pipeline clock.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// VADEventKind enumerates the two speech bracket boundaries the detector
// emits. Events alternate strictly: the first event on a stream is always
// a speech start.
type VADEventKind int

const (
	// SpeechStart marks the beginning of a speech bracket.
	SpeechStart VADEventKind = iota

	// SpeechEnd marks the end of a speech bracket.
	SpeechEnd
)

// String returns the human-readable name of the event kind.
func (k VADEventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// VADEvent is a speech bracket boundary produced by the voice activity
// detector. Timestamps are already padded by the configured speech padding.
type VADEvent struct {
	// Kind is SpeechStart or SpeechEnd.
	Kind VADEventKind

	// Timestamp is the padded boundary position on the monotonic clock.
	Timestamp time.Duration

	// Duration is the bracket length, set only on SpeechEnd. Padding is not
	// included.
	Duration time.Duration
}

// Utterance is one finalised transcript produced from a single speech
// bracket. At most one Utterance exists per SpeechStart/SpeechEnd pair.
type Utterance struct {
	// ID is monotonically increasing per process. See NextUtteranceID.
	ID uint64

	// Text is the final transcript.
	Text string

	// STTConfidence is the backend's confidence in [0,1]. Backends that do
	// not report confidence yield the constant 0.5 with EstimatedConfidence
	// set, so telemetry can distinguish real scores from the default.
	STTConfidence float64

	// EstimatedConfidence is true when STTConfidence is the fallback constant
	// rather than a backend-supplied score.
	EstimatedConfidence bool

	// SpeechEnd is the padded end of the source bracket on the monotonic clock.
	SpeechEnd time.Duration

	// TranscriptReady is when the final transcript became available.
	TranscriptReady time.Duration
}

// utteranceCounter backs NextUtteranceID.
var utteranceCounter atomic.Uint64

// NextUtteranceID returns the next process-wide monotonic utterance ID.
// IDs start at 1; zero is reserved as "no utterance".
func NextUtteranceID() uint64 {
	return utteranceCounter.Add(1)
}

// Tier identifies a generation backend class with its own latency and cost
// profile.
type Tier int

const (
	// TierLocal is the in-process small-model generator. Zero cost, final
	// fallback.
	TierLocal Tier = iota

	// TierFast is the remote low-latency completion API.
	TierFast

	// TierAgent is the remote high-capability orchestrated backend.
	TierAgent
)

// String returns the canonical upper-case tier name.
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "LOCAL"
	case TierFast:
		return "FAST"
	case TierAgent:
		return "AGENT"
	default:
		return "UNKNOWN"
	}
}

// ParseTier maps a policy-file tier name to its variant. Matching is exact on
// the canonical upper-case form.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "LOCAL":
		return TierLocal, nil
	case "FAST":
		return TierFast, nil
	case "AGENT":
		return TierAgent, nil
	}
	return TierLocal, fmt.Errorf("types: unknown tier %q", s)
}

// Promote returns the next-higher-capability tier, or the same tier when
// already at AGENT. Used for tie-breaking on semantic classification.
func (t Tier) Promote() Tier {
	switch t {
	case TierLocal:
		return TierFast
	case TierFast:
		return TierAgent
	default:
		return TierAgent
	}
}

// Downgrade returns the next-lower tier, or LOCAL when already there.
func (t Tier) Downgrade() Tier {
	switch t {
	case TierAgent:
		return TierFast
	case TierFast:
		return TierLocal
	default:
		return TierLocal
	}
}

// Category is the semantic class the router assigns to an utterance.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryCommand
	CategoryBrief
	CategoryGreeting
	CategoryAdvice
	CategoryExplain
	CategoryDraft
	CategoryPlan
	CategoryAnalyze
	CategorySafety
)

var categoryNames = map[Category]string{
	CategoryUnknown:  "unknown",
	CategoryCommand:  "command",
	CategoryBrief:    "brief",
	CategoryGreeting: "greeting",
	CategoryAdvice:   "advice",
	CategoryExplain:  "explain",
	CategoryDraft:    "draft",
	CategoryPlan:     "plan",
	CategoryAnalyze:  "analyze",
	CategorySafety:   "safety",
}

// String returns the lower-case category name used in policy files and
// telemetry.
func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseCategory maps a policy-file category name to its variant.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("types: unknown category %q", s)
}

// BudgetMode constrains which tiers the router may dispatch to. Transitions
// are monotone within a billing period.
type BudgetMode int

const (
	// BudgetNormal honours tier decisions as made.
	BudgetNormal BudgetMode = iota

	// BudgetThrifty downgrades low-confidence FAST decisions to LOCAL and
	// restricts AGENT to the safety category. Entered at the soft fraction of
	// the monthly cap.
	BudgetThrifty

	// BudgetLocalOnly rewrites every decision to LOCAL. Entered at the hard
	// fraction of the monthly cap.
	BudgetLocalOnly
)

// String returns the canonical mode name.
func (m BudgetMode) String() string {
	switch m {
	case BudgetNormal:
		return "NORMAL"
	case BudgetThrifty:
		return "THRIFTY"
	case BudgetLocalOnly:
		return "LOCAL_ONLY"
	default:
		return "UNKNOWN"
	}
}

// BudgetState is an immutable snapshot of ledger spend derived counters.
// Consumers never mutate budget state; the ledger is the sole owner.
type BudgetState struct {
	// MonthlySpendUSD is the spend accumulated in the current billing month.
	MonthlySpendUSD float64

	// DailySpendUSD is the spend accumulated in the current billing day.
	DailySpendUSD float64

	// Mode is the derived budget mode.
	Mode BudgetMode

	// Degraded is true while the ledger's persistent store is failing and
	// spend is tracked in memory only. The router treats a degraded ledger
	// as at least THRIFTY.
	Degraded bool
}

// TierDecision is the router's verdict for one utterance.
type TierDecision struct {
	// Tier is the backend class that should handle the utterance.
	Tier Tier

	// Confidence in [0,1]. Rule hits carry 0.95; semantic matches map the
	// winning similarity linearly into [0.5, 0.9]; the default fallback is 0.5.
	Confidence float64

	// Category is the assigned semantic class.
	Category Category

	// Reason is a single short human-readable explanation ("rule:timer",
	// "semantic", "fallback").
	Reason string

	// BudgetOverride is true when the budget gate rewrote a paid tier to
	// LOCAL.
	BudgetOverride bool

	// SafetyOverride is true when a safety-category decision was forced to
	// LOCAL by LOCAL_ONLY mode.
	SafetyOverride bool

	// NeedsClarification is set on semantic abstention: no rule matched and
	// the top similarity was below the abstain threshold.
	NeedsClarification bool

	// Budget is the budget state snapshot the gate consulted.
	Budget BudgetState
}

// Token is one fragment of streamed generator output.
type Token struct {
	// UtteranceID ties the token to its source utterance.
	UtteranceID uint64

	// Text is the incremental text content. May be empty on the final token.
	Text string

	// Seq is strictly increasing per utterance, starting at 0.
	Seq int

	// IsFinal marks the last token of the stream. It appears exactly once
	// barring cancellation.
	IsFinal bool
}

// AudioSegment is one synthesized chunk of reply audio.
type AudioSegment struct {
	// UtteranceID ties the segment to the utterance it answers.
	UtteranceID uint64

	// Seq is strictly increasing per utterance, starting at 0.
	Seq int

	// SampleRate in Hz. Constant per process.
	SampleRate int

	// Samples holds little-endian signed 16-bit mono PCM.
	Samples []int16

	// IsFinal marks the last segment for the utterance.
	IsFinal bool
}

// UsageRecord is the append-only account of what one generation consumed.
// Records are immutable after commit; the ledger deduplicates by UtteranceID.
type UsageRecord struct {
	// UtteranceID keys idempotent commits: at most one record per utterance.
	UtteranceID uint64

	// Tier that served (or partially served) the utterance.
	Tier Tier

	// InputTokens and OutputTokens are backend-reported counts, or estimates
	// from UTF-8 byte length when the backend reports none.
	InputTokens  int
	OutputTokens int

	// CostUSD is never negative. LOCAL is always zero.
	CostUSD float64

	// LatencyTTFT is the time to first token.
	LatencyTTFT time.Duration

	// LatencyTotal is the full stream duration.
	LatencyTotal time.Duration

	// Category is the router's classification, recorded for spend analysis.
	Category Category

	// Committed is the monotonic commit timestamp.
	Committed time.Duration

	// CommittedWall is the wall-clock commit time, used only for billing
	// period assignment.
	CommittedWall time.Time
}
