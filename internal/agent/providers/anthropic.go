package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/toolbridge/toolbridge/internal/agent"
	"github.com/toolbridge/toolbridge/internal/tools"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// AnthropicProvider adapts Anthropic's Messages API to the agent loop.
// Unlike OpenAI the history needs real restructuring: system messages move
// into the request's System field, tool messages become tool_result blocks
// on user messages, and assistant tool calls become tool_use blocks.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates a Claude-backed provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg.applyDefaults()
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxTokens:  int64(cfg.MaxTokens),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Name identifies the provider for logging and metrics.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Run performs one Messages API call with retries and converts the content
// blocks into ordered events.
func (p *AnthropicProvider) Run(ctx context.Context, messages []models.ChatMessage, defs []*tools.Definition) ([]agent.Event, error) {
	converted, system, err := convertAnthropicMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  converted,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(defs) > 0 {
		toolParams, err := convertAnthropicTools(defs)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	var msg *anthropic.Message
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		msg, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("anthropic: completion failed: %w", err)
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
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", err)
	}

	var textParts []string
	var calls []agent.Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "tool_use":
			calls = append(calls, agent.ToolCallEvent(models.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			}))
		}
	}

	var events []agent.Event
	text := strings.Join(textParts, "")
	if len(calls) == 0 {
		events = append(events, agent.TextEvent(text, true))
		return events, nil
	}
	if text != "" {
		events = append(events, agent.TextEvent(text, false))
	}
	events = append(events, calls...)
	return events, nil
}

// convertAnthropicMessages restructures the OpenAI-shaped history into
// Anthropic message params, extracting the system prompt. Consecutive tool
// messages each become their own user message; the API accepts that.
func convertAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, string, error) {
	var out []anthropic.MessageParam
	var system string

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			system = msg.Content

		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return nil, "", fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}

		case models.RoleTool:
			isError := strings.HasPrefix(msg.Content, "Error: ")
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError),
			))

		default:
			return nil, "", fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, system, nil
}

func convertAnthropicTools(defs []*tools.Definition) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		out = append(out, param)
	}
	return out, nil
}
