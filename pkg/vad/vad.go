// Package vad converts a PCM frame stream into coarse speech brackets.
//
// The package splits voice activity detection into two layers:
//
//   - [Engine] — a frame-level speech probability scorer (energy-based by
//     default, or a model-backed implementation). Engines are stateless per
//     call and safe to swap in tests.
//   - [Detector] — a stateful hysteresis machine over engine scores that emits
//     [types.VADEvent] values. A probability must stay above the threshold for
//     the minimum speech duration before SpeechStart fires; a continuous
//     interval below the threshold of at least the minimum silence duration
//     ends the bracket. Emitted timestamps are padded on both sides.
//
// Detection is synchronous: OnFrame returns immediately, so the detector can
// sit inline in the capture loop that gates transcriber input. A Detector is
// owned by a single goroutine and must not be shared.
package vad

import (
	"log/slog"
	"time"

	"github.com/atlas-voice/atlas/pkg/types"
)

// Engine scores a single frame's speech probability in [0, 1].
//
// Implementations must be safe for concurrent use across detectors; a frame
// passed to Score is never retained.
type Engine interface {
	// Score returns the probability that frame contains speech. An error
	// means the backend failed on this frame; the detector treats such frames
	// as non-speech and never blocks frame flow on engine failures.
	Score(frame types.Frame) (float64, error)
}

// Config holds the hysteresis parameters for a [Detector]. Zero fields are
// replaced with the documented defaults.
type Config struct {
	// MinSpeech is how long the probability must stay above Threshold before
	// SpeechStart fires. Default 250 ms.
	MinSpeech time.Duration

	// MinSilence is the continuous sub-threshold interval that ends an open
	// bracket. Default 400 ms.
	MinSilence time.Duration

	// SpeechPad widens the emitted bracket on both sides. Default 100 ms.
	SpeechPad time.Duration

	// Threshold is the speech probability cut-off. Default 0.5.
	Threshold float64
}

func (c Config) withDefaults() Config {
	if c.MinSpeech <= 0 {
		c.MinSpeech = 250 * time.Millisecond
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 400 * time.Millisecond
	}
	if c.SpeechPad <= 0 {
		c.SpeechPad = 100 * time.Millisecond
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	return c
}

// Detector is the hysteresis state machine. Events alternate strictly:
// SpeechStart, SpeechEnd, SpeechStart, … The first event on a stream is
// always SpeechStart.
type Detector struct {
	engine Engine
	cfg    Config

	speaking     bool
	aboveSince   time.Duration // start of the current above-threshold run
	belowSince   time.Duration // start of the current below-threshold run
	bracketStart time.Duration // unpadded start of the open bracket
	aboveRun     bool
	belowRun     bool
	lastFrameEnd time.Duration
}

// NewDetector creates a Detector over the given probability engine.
func NewDetector(engine Engine, cfg Config) *Detector {
	return &Detector{engine: engine, cfg: cfg.withDefaults()}
}

// OnFrame scores one frame and advances the hysteresis machine. The returned
// bool reports whether an event was emitted.
func (d *Detector) OnFrame(frame types.Frame) (types.VADEvent, bool) {
	prob, err := d.engine.Score(frame)
	if err != nil {
		// Engine failure: treat the frame as non-speech and keep going.
		slog.Warn("vad engine error, treating frame as non-speech", "err", err)
		prob = 0
	}
	d.lastFrameEnd = frame.Timestamp + frame.Duration()

	if prob > d.cfg.Threshold {
		d.belowRun = false
		if !d.aboveRun {
			d.aboveRun = true
			d.aboveSince = frame.Timestamp
		}
		if !d.speaking && d.lastFrameEnd-d.aboveSince >= d.cfg.MinSpeech {
			d.speaking = true
			d.bracketStart = d.aboveSince
			start := d.aboveSince - d.cfg.SpeechPad
			if start < 0 {
				start = 0
			}
			return types.VADEvent{Kind: types.SpeechStart, Timestamp: start}, true
		}
		return types.VADEvent{}, false
	}

	d.aboveRun = false
	if !d.speaking {
		return types.VADEvent{}, false
	}
	if !d.belowRun {
		d.belowRun = true
		d.belowSince = frame.Timestamp
	}
	if d.lastFrameEnd-d.belowSince >= d.cfg.MinSilence {
		return d.endBracket(d.belowSince), true
	}
	return types.VADEvent{}, false
}

// Flush closes an open bracket at stream EOF. The returned bool reports
// whether a SpeechEnd was emitted.
func (d *Detector) Flush() (types.VADEvent, bool) {
	if !d.speaking {
		return types.VADEvent{}, false
	}
	return d.endBracket(d.lastFrameEnd), true
}

// Reset clears all detector state. Used after an internal inconsistency so
// stale state from the previous bracket cannot affect subsequent frames.
func (d *Detector) Reset() {
	d.speaking = false
	d.aboveRun = false
	d.belowRun = false
}

func (d *Detector) endBracket(end time.Duration) types.VADEvent {
	d.speaking = false
	d.aboveRun = false
	d.belowRun = false
	return types.VADEvent{
		Kind:      types.SpeechEnd,
		Timestamp: end + d.cfg.SpeechPad,
		Duration:  end - d.bracketStart,
	}
}
