// Package mock provides a deterministic tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Provider synthesizes each text fragment into a PCM chunk whose length is
// proportional to the fragment length (SamplesPerChar samples per character).
// The zero value is usable.
type Provider struct {
	// SamplesPerChar controls synthetic audio length. Default 160 samples
	// (10ms at 16kHz) per character.
	SamplesPerChar int

	// Delay is slept per fragment before audio is emitted.
	Delay time.Duration

	// Rate is the reported sample rate. Default 16000.
	Rate int

	mu        sync.Mutex
	fragments []string
}

// Fragments returns all text fragments received so far, across sessions.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.fragments))
	copy(out, p.fragments)
	return out
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate > 0 {
		return p.Rate
	}
	return 16000
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	spc := p.SamplesPerChar
	if spc <= 0 {
		spc = 160
	}

	audioCh := make(chan []byte, 256)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.fragments = append(p.fragments, fragment)
				p.mu.Unlock()

				if p.Delay > 0 {
					select {
					case <-time.After(p.Delay):
					case <-ctx.Done():
						return
					}
				}
				pcm := audio.PCMToBytes(audio.Silence(spc * len(fragment)))
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}
