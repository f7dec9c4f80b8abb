// Package observe provides application-wide observability for ATLAS:
// OpenTelemetry metrics, tracing, lifecycle telemetry events, and HTTP
// middleware for the control surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// from the control surface's /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ATLAS metrics.
const meterName = "github.com/atlas-voice/atlas"

// Metrics holds all OpenTelemetry metric instruments for the pipeline. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TranscribeDuration tracks speech-to-text latency per utterance.
	TranscribeDuration metric.Float64Histogram

	// ClassifyDuration tracks router classification latency.
	ClassifyDuration metric.Float64Histogram

	// TTFT tracks generator time-to-first-token per tier.
	TTFT metric.Float64Histogram

	// GenerateDuration tracks total generator stream time per tier.
	GenerateDuration metric.Float64Histogram

	// FirstAudioDuration tracks speech-end to first synthesized audio.
	FirstAudioDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Attributes: tier, outcome.
	Turns metric.Int64Counter

	// TierDecisions counts router decisions. Attributes: tier, category,
	// budget_override, safety_override.
	TierDecisions metric.Int64Counter

	// BargeIns counts user interruptions of an active answer.
	BargeIns metric.Int64Counter

	// Downgrades counts tier downgrades after timeouts or failures.
	// Attributes: from, to, reason.
	Downgrades metric.Int64Counter

	// CostCents accumulates recorded usage cost in cents. Attribute: tier.
	CostCents metric.Float64Counter

	// GeneratorErrors counts failed generator streams. Attributes: tier, kind.
	GeneratorErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of in-flight turns (0 or 1 by invariant;
	// a reading above 1 is itself a bug signal).
	ActiveTurns metric.Int64UpDownCounter

	// BudgetMode reports the current budget mode as a numeric level:
	// 0 NORMAL, 1 THRIFTY, 2 LOCAL_ONLY.
	BudgetMode metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control-surface request time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.TranscribeDuration, "atlas.transcribe.duration", "Latency of speech-to-text transcription."},
		{&met.ClassifyDuration, "atlas.classify.duration", "Latency of router classification."},
		{&met.TTFT, "atlas.generate.ttft", "Generator time to first token by tier."},
		{&met.GenerateDuration, "atlas.generate.duration", "Total generator stream time by tier."},
		{&met.FirstAudioDuration, "atlas.first_audio.duration", "Speech end to first synthesized audio."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.Turns, err = m.Int64Counter("atlas.turns",
		metric.WithDescription("Completed turns by tier and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TierDecisions, err = m.Int64Counter("atlas.tier.decisions",
		metric.WithDescription("Router decisions by tier, category, and overrides."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("atlas.barge_ins",
		metric.WithDescription("User interruptions of an active answer."),
	); err != nil {
		return nil, err
	}
	if met.Downgrades, err = m.Int64Counter("atlas.tier.downgrades",
		metric.WithDescription("Tier downgrades by source, target, and reason."),
	); err != nil {
		return nil, err
	}
	if met.CostCents, err = m.Float64Counter("atlas.cost.cents",
		metric.WithDescription("Recorded usage cost in cents by tier."),
	); err != nil {
		return nil, err
	}
	if met.GeneratorErrors, err = m.Int64Counter("atlas.generator.errors",
		metric.WithDescription("Failed generator streams by tier and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurns, err = m.Int64UpDownCounter("atlas.active_turns",
		metric.WithDescription("Number of in-flight turns."),
	); err != nil {
		return nil, err
	}
	if met.BudgetMode, err = m.Int64Gauge("atlas.budget.mode",
		metric.WithDescription("Current budget mode: 0 NORMAL, 1 THRIFTY, 2 LOCAL_ONLY."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("atlas.http.request.duration",
		metric.WithDescription("Control surface request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDecision records one router decision with the standard attribute set.
func (m *Metrics) RecordDecision(ctx context.Context, tier, category string, budgetOverride, safetyOverride bool) {
	m.TierDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("category", category),
		attribute.Bool("budget_override", budgetOverride),
		attribute.Bool("safety_override", safetyOverride),
	))
}

// RecordDowngrade records one tier downgrade.
func (m *Metrics) RecordDowngrade(ctx context.Context, from, to, reason string) {
	m.Downgrades.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, tier, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// RecordCost records usage cost in cents for a tier.
func (m *Metrics) RecordCost(ctx context.Context, tier string, cents float64) {
	m.CostCents.Add(ctx, cents, metric.WithAttributes(attribute.String("tier", tier)))
}
