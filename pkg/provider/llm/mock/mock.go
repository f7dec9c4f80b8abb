// Package mock provides a scriptable llm.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atlas-voice/atlas/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider streams pre-scripted chunks with an optional inter-chunk delay.
// The zero value streams nothing and finishes with "stop".
type Provider struct {
	// Chunks are emitted in order. If the last chunk has no FinishReason,
	// a terminal {FinishReason: "stop"} chunk is appended.
	Chunks []llm.Chunk

	// ChunkDelay is slept before each chunk. Zero means emit immediately.
	ChunkDelay time.Duration

	// StartDelay is slept before the first chunk (simulates TTFT).
	StartDelay time.Duration

	// Err, when non-nil, makes StreamCompletion and Complete fail outright.
	Err error

	mu       sync.Mutex
	requests []llm.Request
}

// Requests returns a copy of all requests seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Provider) record(req llm.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.record(req)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		if p.StartDelay > 0 {
			select {
			case <-time.After(p.StartDelay):
			case <-ctx.Done():
				return
			}
		}
		terminal := false
		for _, c := range p.Chunks {
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if c.FinishReason != "" {
				terminal = true
			}
		}
		if !terminal {
			select {
			case ch <- llm.Chunk{FinishReason: "stop"}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider by concatenating the scripted chunks.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.record(req)

	var sb strings.Builder
	for _, c := range p.Chunks {
		sb.WriteString(c.Text)
	}
	return &llm.Response{Text: sb.String()}, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, MaxContextTokens: 8192}
}

// TextChunks builds a chunk script from plain strings, ending with "stop".
func TextChunks(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}
