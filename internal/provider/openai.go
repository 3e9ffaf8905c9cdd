package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaymesh/relay/pkg/models"
)

// OpenAIProvider implements Provider over the OpenAI chat completions API.
// Tool calls are mapped onto the same tagged content blocks the rest of the
// system speaks, so the agent loop is provider-agnostic.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIProvider validates the config and builds the client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Create performs one chat completion call with retry on transient errors.
func (p *OpenAIProvider) Create(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  convertMessagesToOpenAI(req.System, req.Messages),
		Tools:     convertToolsToOpenAI(req.Tools),
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
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

	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: "openai", Model: req.Model, Message: "empty choices"}
	}
	return convertOpenAIChoice(resp.Choices[0]), nil
}

func convertMessagesToOpenAI(system string, messages []models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Content.IsText {
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content.Text,
			})
			continue
		}

		// Block-form messages split by variant: tool results become role
		// "tool" messages; text and tool_use blocks fold into one message.
		var text strings.Builder
		var toolCalls []openai.ToolCall
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case models.BlockText:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(block.Text)
			case models.BlockToolUse:
				args := string(block.Input)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: args,
					},
				})
			case models.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: block.ToolUseID,
					Content:    block.Content,
				})
			}
		}
		if text.Len() > 0 || len(toolCalls) > 0 {
			result = append(result, openai.ChatCompletionMessage{
				Role:      string(msg.Role),
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
	}
	return result
}

func convertToolsToOpenAI(tools []models.ToolSchema) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

func convertOpenAIChoice(choice openai.ChatCompletionChoice) *Response {
	resp := &Response{}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, models.NewTextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		resp.Content = append(resp.Content, models.NewToolUseBlock(call.ID, call.Function.Name, json.RawMessage(args)))
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		resp.StopReason = StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	return resp
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   "openai",
			Model:      model,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Cause:      err,
		}
	}
	return &Error{Provider: "openai", Model: model, Cause: err}
}
