package anyllm

import (
	"errors"
	"testing"

	"github.com/atlas-voice/atlas/pkg/provider/llm"
)

// ── classify ──────────────────────────────────────────────────────────────────

func TestClassify_WrapsCredentialRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantAuth bool
	}{
		{"401 status", errors.New("unexpected status 401"), true},
		{"unauthorized text", errors.New("Unauthorized: bad token"), true},
		{"invalid api key", errors.New("invalid API key provided"), true},
		{"forbidden", errors.New("403 Forbidden"), true},
		{"rate limit", errors.New("429 too many requests"), false},
		{"server error", errors.New("500 internal server error"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tc.err)
			if errors.Is(got, llm.ErrAuth) != tc.wantAuth {
				t.Errorf("classify(%v): ErrAuth = %v, want %v", tc.err, !tc.wantAuth, tc.wantAuth)
			}
			if !tc.wantAuth && got != tc.err {
				t.Errorf("classify(%v) rewrapped a non-auth error: %v", tc.err, got)
			}
		})
	}
}

func TestClassify_NilPassesThrough(t *testing.T) {
	t.Parallel()

	if got := classify(nil); got != nil {
		t.Errorf("classify(nil) = %v, want nil", got)
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_Defaults(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3.2:3b"}
	params := p.buildParams(llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens:   0,
		Temperature: -1,
	})

	if params.Model != "llama3.2:3b" {
		t.Errorf("model = %q", params.Model)
	}
	if params.Temperature != nil {
		t.Error("negative temperature should leave the backend default")
	}
	if params.MaxTokens != nil {
		t.Error("zero max tokens should leave the backend default")
	}
	if len(params.Messages) != 1 || params.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", params.Messages)
	}
}

func TestBuildParams_SystemPromptAndLimits(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "m"}
	params := p.buildParams(llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi"},
		},
		MaxTokens:   256,
		Temperature: 0.2,
	})

	wantRoles := []string{"system", "user", "assistant"}
	for i, role := range wantRoles {
		if params.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, params.Messages[i].Role, role)
		}
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", params.Temperature)
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_RejectsEmptyInputs(t *testing.T) {
	t.Parallel()

	if _, err := New("", "model"); err == nil {
		t.Error("empty provider name accepted")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("empty model accepted")
	}
	if _, err := New("smoke-signals", "model"); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestCountTokens_Estimate(t *testing.T) {
	t.Parallel()

	p := &Provider{}
	// 8 bytes → 2 tokens, plus 4 per-message overhead.
	n, err := p.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "12345678"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("CountTokens = %d, want 6", n)
	}
}
