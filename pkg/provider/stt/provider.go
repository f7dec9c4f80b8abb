// Package stt defines the speech-to-text provider contract used by the turn
// pipeline. Implementations live in subpackages (whisper for the native
// whisper.cpp bindings, mock for tests).
package stt

import (
	"context"
	"errors"
)

// Sentinel errors returned by Transcriber implementations.
var (
	// ErrDecodeFailed indicates the backend could not decode the utterance.
	ErrDecodeFailed = errors.New("stt: decode failed")

	// ErrBusy is returned when a decode is already in flight and the
	// implementation does not queue.
	ErrBusy = errors.New("stt: transcriber busy")
)

// Result is a completed transcription of one utterance.
type Result struct {
	// Text is the transcript, whitespace-trimmed. Empty when the backend
	// produced no usable text.
	Text string

	// Confidence is the backend's transcript-level confidence in [0, 1].
	// Only meaningful when HasConfidence is true.
	Confidence float64

	// HasConfidence reports whether the backend exposes a confidence score.
	// When false the caller substitutes a fixed default and flags the
	// utterance as estimated.
	HasConfidence bool
}

// Transcriber converts one bracketed utterance of PCM into text. A call covers
// exactly one utterance; streaming partials are an implementation detail the
// pipeline does not observe.
//
// Implementations must honour ctx cancellation and must be safe for concurrent
// calls, though the pipeline issues at most one decode at a time per stream.
type Transcriber interface {
	// Transcribe decodes pcm (signed 16-bit mono at sampleRate) and returns
	// the transcript. A nil error with empty Text means the audio contained
	// no recognizable speech.
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (Result, error)

	// Close releases backend resources (loaded models, sockets).
	Close() error
}
