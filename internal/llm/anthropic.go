package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider using the official Anthropic Go
// SDK rather than hand-rolled net/http client
// (internal/brain/claude.go) for the same concern.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a provider bound to one API key.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a single system+user turn to Claude.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (Response, error) {
	model := modelID
	if model == "" {
		model = p.defaultModel
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return Response{}, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Response{
		Text:         text.String(),
		Model:        model,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func classifyAnthropicError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	default:
		return err
	}
}
