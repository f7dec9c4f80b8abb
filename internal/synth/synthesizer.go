// Package synth turns generator token streams into ordered audio segments.
// Tokens are buffered into sentence-sized chunks before being handed to the
// TTS backend, so playback can start on the first complete sentence instead
// of waiting for the whole reply. The filler player reuses the same path to
// mask cloud latency with a short neutral phrase.
package synth

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/atlas-voice/atlas/internal/config"
	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/tts"
	"github.com/atlas-voice/atlas/pkg/types"
)

// textChunkBuf absorbs several sentences without blocking the token reader.
const textChunkBuf = 16

// chunkRules is the immutable chunking parameter set one session runs under.
type chunkRules struct {
	flushChars  int
	terminators string
}

// Synthesizer converts token streams into audio segment streams. Safe for
// concurrent use; each Speak call is an independent session.
type Synthesizer struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	rules    atomic.Pointer[chunkRules]
}

// New builds a Synthesizer over provider with the policy's chunking rules.
func New(provider tts.Provider, voice tts.VoiceProfile, cfg config.SynthConfig) *Synthesizer {
	s := &Synthesizer{provider: provider, voice: voice}
	s.SetChunking(cfg)
	return s
}

// SetChunking replaces the chunking rules for subsequent sessions. Sessions
// already speaking keep the rules they started with.
func (s *Synthesizer) SetChunking(cfg config.SynthConfig) {
	s.rules.Store(&chunkRules{
		flushChars:  cfg.FlushChars,
		terminators: cfg.SentenceTerminators,
	})
}

// SampleRate reports the constant sample rate of all emitted segments.
func (s *Synthesizer) SampleRate() int { return s.provider.SampleRate() }

// Speak opens a synthesis session over tokens. Segments arrive in order and
// the stream always ends with an empty IsFinal marker, whether synthesis
// completed, failed mid-stream, or was cancelled via ctx. An error here means
// the session could not start at all.
func (s *Synthesizer) Speak(ctx context.Context, utteranceID uint64, tokens <-chan types.Token) (<-chan types.AudioSegment, error) {
	textCh := make(chan string, textChunkBuf)
	audioCh, err := s.provider.SynthesizeStream(ctx, textCh, s.voice)
	if err != nil {
		return nil, err
	}

	go s.chunkTokens(ctx, tokens, textCh)

	out := make(chan types.AudioSegment, textChunkBuf)
	go func() {
		defer close(out)
		seq := 0
		rate := s.provider.SampleRate()
		for {
			select {
			case <-ctx.Done():
				go audio.Drain(audioCh)
				s.emitFinal(out, utteranceID, seq)
				return
			case pcm, ok := <-audioCh:
				if !ok {
					// Backend finished or broke; either way the stream ends
					// with the final marker and the controller decides what
					// comes next.
					s.emitFinal(out, utteranceID, seq)
					return
				}
				if len(pcm) == 0 {
					continue
				}
				seg := types.AudioSegment{
					UtteranceID: utteranceID,
					Seq:         seq,
					SampleRate:  rate,
					Samples:     audio.BytesToPCM(pcm),
				}
				seq++
				select {
				case out <- seg:
				case <-ctx.Done():
					go audio.Drain(audioCh)
					s.emitFinal(out, utteranceID, seq)
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Synthesizer) emitFinal(out chan<- types.AudioSegment, utteranceID uint64, seq int) {
	seg := types.AudioSegment{UtteranceID: utteranceID, Seq: seq, SampleRate: s.provider.SampleRate(), IsFinal: true}
	select {
	case out <- seg:
	default:
		// Consumer stopped draining after a cancel; the marker is best-effort.
	}
}

// chunkTokens buffers token text and flushes a fragment to textCh at each
// sentence terminator, or when flushChars is exceeded mid-sentence. Closing
// textCh tells the TTS session to flush and finish.
func (s *Synthesizer) chunkTokens(ctx context.Context, tokens <-chan types.Token, textCh chan<- string) {
	defer close(textCh)

	rules := s.rules.Load()
	var buf strings.Builder
	flush := func() bool {
		if buf.Len() == 0 {
			return true
		}
		fragment := buf.String()
		buf.Reset()
		select {
		case textCh <- fragment:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tok, ok := <-tokens:
			if !ok || tok.IsFinal {
				flush()
				return
			}
			rest := tok.Text
			for {
				cut := strings.IndexAny(rest, rules.terminators)
				if cut < 0 {
					break
				}
				buf.WriteString(rest[:cut+1])
				rest = rest[cut+1:]
				if !flush() {
					return
				}
			}
			buf.WriteString(rest)
			if buf.Len() >= rules.flushChars {
				if !flush() {
					return
				}
			}
		}
	}
}
