package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider implements Provider using the official OpenAI Go SDK,
// replacing hand-rolled internal/brain/universal.go HTTP
// client for the OpenAI-shaped chat/completions path.
type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider bound to one API key. baseURL is
// optional; when set, it lets this same implementation talk to any
// OpenAI-compatible endpoint (UniversalProvider use case:
// Ollama, Groq, Together, OpenRouter, vLLM).
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends a single system+user turn to a chat/completions model.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt, modelID string) (Response, error) {
	model := modelID
	if model == "" {
		model = p.defaultModel
	}

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}

	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("openai: empty choices in response")
	}

	return Response{
		Text:         completion.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key"):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	default:
		return err
	}
}
