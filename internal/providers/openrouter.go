package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

const (
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
	openRouterDefaultModel = "anthropic/claude-3-sonnet"
)

// OpenRouterProvider serves completions through OpenRouter's
// OpenAI-compatible chat API.
type OpenRouterProvider struct {
	client *openai.Client
	model  string
}

func NewOpenRouterProvider(apiKey, baseURL, model string) *OpenRouterProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	if model == "" {
		model = openRouterDefaultModel
	}
	return &OpenRouterProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenRouterProvider) ID() string                    { return OpenRouter }
func (p *OpenRouterProvider) Capability() models.Capability { return models.CapabilityCompletion }

func (p *OpenRouterProvider) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	var msgs []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	out, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}
	if len(out.Choices) == 0 {
		return nil, models.NewStageError(models.KindProviderUnavailable, "", OpenRouter, errors.New("completion returned no choices"))
	}
	respModel := out.Model
	if respModel == "" {
		respModel = model
	}
	return &models.ProviderResponse{
		Text:         out.Choices[0].Message.Content,
		Model:        respModel,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (p *OpenRouterProvider) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return statusError(OpenRouter, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return statusError(OpenRouter, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return transportError(ctx, OpenRouter, err)
}
