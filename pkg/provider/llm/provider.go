// Package llm defines the language-model provider contract shared by all
// generator tiers. Concrete backends live in subpackages (anyllm for the
// any-llm gateway, mock for tests).
package llm

import (
	"context"
	"errors"
)

// ErrAuth marks a credential rejection (HTTP 401/403 class). Backends wrap it
// into stream and completion errors so callers can tell a dead key from a
// transient fault.
var ErrAuth = errors.New("llm: authentication rejected")

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a completion request.
type Request struct {
	Messages    []Message
	MaxTokens   int     // 0 means backend default
	Temperature float64 // negative means backend default
}

// Chunk is one streamed fragment of a completion.
type Chunk struct {
	// Text is the incremental content. May be empty on the final chunk.
	Text string

	// FinishReason is non-empty on the terminal chunk: "stop", "length",
	// or "error" when the stream failed mid-flight.
	FinishReason string

	// Err carries the failure when FinishReason is "error".
	Err error
}

// Usage is the backend-reported token accounting for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a non-streaming completion result.
type Response struct {
	Text  string
	Usage Usage
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming        bool
	MaxContextTokens int
}

// Provider is a chat-completion backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// StreamCompletion starts a streamed completion. The returned channel is
	// closed after the terminal chunk; cancelling ctx aborts the stream.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// Complete runs a completion to completion and returns the full text.
	Complete(ctx context.Context, req Request) (*Response, error)

	// CountTokens estimates the token count of the given messages. Estimates
	// may be approximate; callers use them for cost projection only.
	CountTokens(messages []Message) (int, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}
