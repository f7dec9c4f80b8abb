package observe

import (
	"log/slog"
	"sync"
	"time"
)

// Telemetry event names, emitted at defined turn lifecycle points.
const (
	EventTurnStart       = "turn.start"
	EventTurnTranscribed = "turn.transcribed"
	EventTurnClassified  = "turn.classified"
	EventTurnDispatched  = "turn.dispatched"
	EventTurnFirstToken  = "turn.first_token"
	EventTurnFirstAudio  = "turn.first_audio"
	EventTurnDone        = "turn.done"
	EventTurnCancelled   = "turn.cancelled"
	EventTurnDegraded    = "turn.degraded"
)

// Event is one structured lifecycle event.
type Event struct {
	Name        string
	UtteranceID uint64

	// Tier and Category are set from turn.classified onward.
	Tier     string
	Category string

	// Reason carries cancellation or degradation detail.
	Reason string

	// Latency is the event-specific latency (e.g. speech end to first token
	// for turn.first_token). Zero when not applicable.
	Latency time.Duration

	// CostUSD is set on turn.done when the turn billed anything.
	CostUSD float64
}

// TelemetrySink consumes lifecycle events. Implementations must not block;
// the pipeline emits events inline.
type TelemetrySink interface {
	Emit(ev Event)
}

// SlogSink logs every event through slog at info level.
type SlogSink struct{}

// Emit implements TelemetrySink.
func (SlogSink) Emit(ev Event) {
	attrs := []any{
		"utterance_id", ev.UtteranceID,
	}
	if ev.Tier != "" {
		attrs = append(attrs, "tier", ev.Tier)
	}
	if ev.Category != "" {
		attrs = append(attrs, "category", ev.Category)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Latency > 0 {
		attrs = append(attrs, "latency", ev.Latency)
	}
	if ev.CostUSD > 0 {
		attrs = append(attrs, "cost_usd", ev.CostUSD)
	}
	slog.Info(ev.Name, attrs...)
}

// MultiSink fans events out to several sinks.
type MultiSink []TelemetrySink

// Emit implements TelemetrySink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements TelemetrySink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of all captured events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns captured events with the given name, in order.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
