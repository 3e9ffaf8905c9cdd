package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaymesh/relay/pkg/models"
)

// AnthropicProvider implements Provider over the official Anthropic SDK.
// Transient failures are retried with exponential backoff. Safe for
// concurrent use.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures an AnthropicProvider. APIKey is required;
// everything else has defaults (3 retries, 1s base delay).
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicProvider validates the config and builds the SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Create performs one messages.create call, retrying transient failures
// with exponential backoff.
func (p *AnthropicProvider) Create(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, req.Model)
		if attempt >= p.maxRetries || !IsRetryable(wrapped) {
			return nil, wrapped
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return convertAnthropicMessage(msg)
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessagesToAnthropic(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToolsToAnthropic(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessagesToAnthropic(messages []models.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content.IsText {
			content = append(content, anthropic.NewTextBlock(msg.Content.Text))
		} else {
			for _, block := range msg.Content.Blocks {
				switch block.Type {
				case models.BlockText:
					content = append(content, anthropic.NewTextBlock(block.Text))
				case models.BlockToolUse:
					var input map[string]interface{}
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool_use input: %w", err)
					}
					content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
				case models.BlockToolResult:
					content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, false))
				default:
					return nil, fmt.Errorf("anthropic: unknown block type %q", block.Type)
				}
			}
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertToolsToAnthropic(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func convertAnthropicMessage(msg *anthropic.Message) (*Response, error) {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, models.NewTextBlock(variant.Text))
		case anthropic.ToolUseBlock:
			resp.Content = append(resp.Content, models.NewToolUseBlock(variant.ID, variant.Name, json.RawMessage(variant.Input)))
		default:
			// Thinking and other block kinds are not part of the loop
			// contract; skip them.
		}
	}
	return resp, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := &Error{Provider: "anthropic", Model: model, StatusCode: apiErr.StatusCode, Cause: err}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				perr.Message = payload.Error.Message
			}
		}
		if perr.Message == "" {
			perr.Message = "request failed"
		}
		return perr
	}
	return &Error{Provider: "anthropic", Model: model, Cause: err}
}
