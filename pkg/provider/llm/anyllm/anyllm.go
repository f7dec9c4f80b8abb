// Package anyllm implements llm.Provider on github.com/mozilla-ai/any-llm-go,
// a unified multi-provider gateway. One adapter serves every tier: local
// backends (ollama, llamacpp), hosted fast backends (openai, groq) and hosted
// reasoning backends (anthropic).
//
// Usage:
//
//	p, err := anyllm.New("ollama", "llama3.2:3b")
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/atlas-voice/atlas/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider wraps an any-llm backend behind the llm.Provider contract.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	local   bool
}

// New creates a Provider for the named backend. providerName is one of:
// "openai", "anthropic", "deepseek", "mistral", "groq", "ollama", "llamacpp".
// Without an API key option, hosted backends read their usual environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, local, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model, local: local}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, bool, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		p, err := anyllmoai.New(opts...)
		return p, false, err
	case "anthropic":
		p, err := anthropic.New(opts...)
		return p, false, err
	case "deepseek":
		p, err := deepseek.New(opts...)
		return p, false, err
	case "mistral":
		p, err := mistral.New(opts...)
		return p, false, err
	case "groq":
		p, err := groq.New(opts...)
		return p, false, err
	case "ollama":
		p, err := ollama.New(opts...)
		return p, true, err
	case "llamacpp":
		p, err := llamacpp.New(opts...)
		return p, true, err
	default:
		return nil, false, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, deepseek, mistral, groq, ollama, llamacpp", providerName)
	}
}

// Local reports whether the backend runs on-host (no per-token billing).
func (p *Provider) Local() bool { return p.local }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Backend errors surface only after the chunk channel drains.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: classify(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", classify(err))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: empty choices in response")
	}

	result := &llm.Response{Text: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider with the usual ~4 chars per token
// approximation plus per-message formatting overhead.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, MaxContextTokens: 128_000}
}

func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    roleFor(m.Role),
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

func roleFor(r llm.Role) string {
	switch r {
	case llm.RoleSystem:
		return anyllmlib.RoleSystem
	case llm.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

// authMarkers are the error-text fragments hosted providers use for rejected
// credentials. any-llm surfaces provider HTTP errors as plain text, so
// matching on the message is the only signal available.
var authMarkers = []string{
	"401", "403", "unauthorized", "forbidden",
	"invalid api key", "invalid x-api-key", "authentication",
}

// classify wraps credential rejections in [llm.ErrAuth] and passes every
// other error through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", llm.ErrAuth, err)
		}
	}
	return err
}
