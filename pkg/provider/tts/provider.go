// Package tts defines the text-to-speech provider contract used by the
// synthesizer. Implementations live in subpackages (elevenlabs for the
// streaming WebSocket API, mock for tests).
package tts

import "context"

// VoiceProfile identifies a synthesizer voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the backend this profile belongs to.
	Provider string

	// Metadata carries provider-specific attributes (accent, gender, ...).
	Metadata map[string]string
}

// Provider converts streamed text into streamed PCM audio.
//
// Implementations must be safe for concurrent use; each SynthesizeStream call
// is an independent session.
type Provider interface {
	// SynthesizeStream opens a synthesis session. Text fragments read from
	// text are converted to raw little-endian 16-bit mono PCM emitted on the
	// returned channel. The audio channel is closed once all text has been
	// synthesized or ctx is cancelled; closing the text channel signals end
	// of input and flushes remaining audio.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// SampleRate reports the sample rate of emitted PCM in Hz.
	SampleRate() int
}
