package synth

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/atlas-voice/atlas/pkg/types"
)

// Filler speaks one short neutral phrase through the synthesizer while a
// cloud tier is still thinking. It writes no usage record; the phrases are
// fixed policy text, not generated output.
type Filler struct {
	synth *Synthesizer
	pick  func(n int) int

	mu      sync.Mutex
	phrases []string
}

// NewFiller builds a Filler over synth with the policy phrase set. A nil or
// empty phrase set yields a Filler whose Play is a no-op.
func NewFiller(synth *Synthesizer, phrases []string) *Filler {
	return &Filler{synth: synth, phrases: phrases, pick: rand.IntN}
}

// SetPhrases replaces the phrase set used by subsequent Play calls.
func (f *Filler) SetPhrases(phrases []string) {
	f.mu.Lock()
	f.phrases = phrases
	f.mu.Unlock()
}

// Play starts synthesizing a random phrase and returns its segment stream
// plus a stop function. Stopping cancels the session; because text reaches
// the backend one sentence at a time, audio always cuts at a sentence
// boundary. The returned stream is nil when no phrases are configured.
func (f *Filler) Play(ctx context.Context, utteranceID uint64) (<-chan types.AudioSegment, func()) {
	f.mu.Lock()
	var phrase string
	if n := len(f.phrases); n > 0 {
		phrase = f.phrases[f.pick(n)]
	}
	f.mu.Unlock()
	if phrase == "" {
		return nil, func() {}
	}

	fillerCtx, cancel := context.WithCancel(ctx)
	tokens := make(chan types.Token, 2)
	tokens <- types.Token{UtteranceID: utteranceID, Text: phrase}
	tokens <- types.Token{UtteranceID: utteranceID, Seq: 1, IsFinal: true}
	close(tokens)

	segments, err := f.synth.Speak(fillerCtx, utteranceID, tokens)
	if err != nil {
		cancel()
		return nil, func() {}
	}
	return segments, cancel
}
