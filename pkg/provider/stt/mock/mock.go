// Package mock provides a scriptable stt.Transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/atlas-voice/atlas/pkg/provider/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber returns scripted results in order, then repeats the last one.
// A nil script yields empty results.
type Transcriber struct {
	mu      sync.Mutex
	script  []Step
	i       int
	calls   int
	Latency func() // optional hook invoked inside each call, e.g. to block

	closed bool
}

// Step is one scripted Transcribe outcome.
type Step struct {
	Result stt.Result
	Err    error
}

// New creates a Transcriber with the given script.
func New(script ...Step) *Transcriber {
	return &Transcriber{script: script}
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, _ []int16, _ int) (stt.Result, error) {
	if t.Latency != nil {
		t.Latency()
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.script) == 0 {
		return stt.Result{}, nil
	}
	step := t.script[t.i]
	if t.i < len(t.script)-1 {
		t.i++
	}
	return step.Result, step.Err
}

// Calls reports how many times Transcribe was invoked.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Close implements stt.Transcriber.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether Close was called.
func (t *Transcriber) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
