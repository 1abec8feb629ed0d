package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/toolbridge/toolbridge/internal/agent"
	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// OpenAIProvider adapts OpenAI chat completions to the agent loop. The
// session history already uses the OpenAI message shape, so conversion is a
// straight field mapping.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg.applyDefaults()
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Name identifies the provider for logging and metrics.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Run performs one chat completion with retries and converts the choice into
// ordered events: text first, then tool calls in the order the model issued
// them.
func (p *OpenAIProvider) Run(ctx context.Context, messages []models.ChatMessage, defs []*tools.Definition) ([]agent.Event, error) {
	req := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  convertOpenAIMessages(messages),
		MaxTokens: p.maxTokens,
	}
	if len(defs) > 0 {
		req.Tools = convertOpenAITools(defs)
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("openai: completion failed: %w", err)
		}
		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(p.retryDelay, attempt)):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	var events []agent.Event
	if len(choice.Message.ToolCalls) == 0 {
		events = append(events, agent.TextEvent(choice.Message.Content, true))
		return events, nil
	}

	if choice.Message.Content != "" {
		events = append(events, agent.TextEvent(choice.Message.Content, false))
	}
	for _, tc := range choice.Message.ToolCalls {
		events = append(events, agent.ToolCallEvent(models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		}))
	}
	return events, nil
}

func convertOpenAIMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func convertOpenAITools(defs []*tools.Definition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}
