// Package llm defines the LLM provider contract the Code Generator uses
// (spec §6: "complete(system_prompt, user_prompt, model_id) -> text") and
// two concrete implementations backed by the official Anthropic and
// OpenAI Go SDKs.
//
// Grounded on internal/brain/provider.go Message/LLMRequest/
// LLMResponse/LLMProvider shape, narrowed to the single-turn
// system+user->text call the generator needs. Those original
// implementations (claude.go, universal.go) hand-roll HTTP against each
// vendor's REST API; this module instead uses the real SDKs available in
// the example pack (anthropic-sdk-go, openai-go/v3) for the same concern.
package llm

import (
	"context"
	"errors"
)

// Response is what a single completion call returns.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ErrRateLimited classifies a provider rate-limit response — the Batch
// Scheduler retries the owning task on this error (spec §4.G).
var ErrRateLimited = errors.New("llm provider rate limited")

// ErrAuth classifies a non-retryable provider authorization failure.
var ErrAuth = errors.New("llm provider authorization failed")

// Provider is the minimal surface the Code Generator depends on.
type Provider interface {
	// Complete sends one system+user turn and returns the model's text
	// response. modelID overrides the provider's default model when
	// non-empty.
	Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (Response, error)
	Name() string
}
