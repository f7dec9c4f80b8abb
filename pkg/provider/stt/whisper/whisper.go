// Package whisper implements stt.Transcriber on the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/pkg/audio"
	"github.com/atlas-voice/atlas/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultLanguage   = "en"
	whisperSampleRate = 16000

	// Padding added around the utterance before decoding. whisper.cpp clips
	// word onsets without a little leading silence.
	headPad = 100 * time.Millisecond
	tailPad = 200 * time.Millisecond
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber decodes utterances with a whisper.cpp model loaded once at
// construction. Each decode gets its own whisper context from the shared
// model; a mutex serialises decodes since the pipeline never needs more than
// one in flight.
type Transcriber struct {
	model    whisperlib.Model
	language string

	mu sync.Mutex
}

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the transcription language code (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// New loads the whisper model from modelPath. The caller must Close the
// transcriber to release the model.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	t := &Transcriber{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe implements stt.Transcriber. The input is resampled to 16 kHz and
// padded with silence on both sides before decoding. whisper.cpp reports no
// transcript-level confidence, so Result.HasConfidence is always false.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if len(pcm) == 0 {
		return stt.Result{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	samples := audio.ResampleMono16(pcm, sampleRate, whisperSampleRate)
	padded := make([]int16, 0, len(samples)+padSamples(headPad)+padSamples(tailPad))
	padded = append(padded, audio.Silence(padSamples(headPad))...)
	padded = append(padded, samples...)
	padded = append(padded, audio.Silence(padSamples(tailPad))...)

	wctx, err := t.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: new context: %w", errors.Join(stt.ErrDecodeFailed, err))
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", t.language, errors.Join(stt.ErrDecodeFailed, err))
	}

	if err := wctx.Process(audio.PCMToFloat32(padded), nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process: %w", errors.Join(stt.ErrDecodeFailed, err))
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	var sb strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: segment: %w", errors.Join(stt.ErrDecodeFailed, err))
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}

	text := strings.TrimSpace(sb.String())
	if isNonSpeechMarker(text) {
		text = ""
	}
	return stt.Result{Text: text}, nil
}

func padSamples(d time.Duration) int {
	return int(d.Milliseconds()) * whisperSampleRate / 1000
}

// isNonSpeechMarker filters whisper's bracketed annotations for silent or
// non-speech audio, e.g. "[BLANK_AUDIO]" or "(music)".
func isNonSpeechMarker(text string) bool {
	if text == "" {
		return false
	}
	open := text[0]
	close := text[len(text)-1]
	return (open == '[' && close == ']') || (open == '(' && close == ')')
}
