// Package conversation drives a stateless LLM provider with an in-memory
// transcript and a per-conversation tool registry. Each conversation owns
// its handler set so the hub can close session routing state over the
// handlers it installs.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaymesh/relay/internal/provider"
	"github.com/relaymesh/relay/pkg/models"
)

// Handler executes one tool call. Input is the raw tool_use input object.
// Returned strings become tool_result content verbatim; errors are folded
// into "Error: <msg>" content so the model can observe and recover.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Options configures a new conversation.
type Options struct {
	Model     string
	System    string
	MaxTokens int
}

// Conversation is one transcript plus its provider driver. Messages are
// mutated only by the owning agent runner; the tool registry is guarded
// because the hub updates it from worker connection goroutines.
type Conversation struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []models.Message

	provider provider.Provider

	mu       sync.RWMutex
	tools    []models.ToolSchema
	handlers map[string]Handler
}

// New creates an empty conversation bound to a provider.
func New(p provider.Provider, opts Options) *Conversation {
	return &Conversation{
		Model:     opts.Model,
		System:    opts.System,
		MaxTokens: opts.MaxTokens,
		provider:  p,
		handlers:  make(map[string]Handler),
	}
}

// RegisterTool adds a schema and handler keyed by the schema name.
// Duplicate names overwrite, last write wins.
func (c *Conversation) RegisterTool(schema models.ToolSchema, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[schema.Name]; exists {
		for i := range c.tools {
			if c.tools[i].Name == schema.Name {
				c.tools[i] = schema
				break
			}
		}
	} else {
		c.tools = append(c.tools, schema)
	}
	c.handlers[schema.Name] = handler
}

// UnregisterTool removes a tool's schema and handler; unknown names are a
// no-op. Called by the hub when a tool's last worker disconnects.
func (c *Conversation) UnregisterTool(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; !exists {
		return
	}
	delete(c.handlers, name)
	kept := c.tools[:0]
	for _, schema := range c.tools {
		if schema.Name != name {
			kept = append(kept, schema)
		}
	}
	c.tools = kept
}

// Tools returns a snapshot of the registered schemas in registration order.
func (c *Conversation) Tools() []models.ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Conversation) handler(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

func (c *Conversation) create(ctx context.Context) (*provider.Response, error) {
	req := &provider.Request{
		Model:     c.Model,
		System:    c.System,
		MaxTokens: c.MaxTokens,
		Messages:  c.Messages,
		Tools:     c.Tools(),
	}
	return c.provider.Create(ctx, req)
}

// Send appends a user message, performs a provider call, and appends the
// assistant response.
func (c *Conversation) Send(ctx context.Context, userText string) (*provider.Response, error) {
	c.Messages = append(c.Messages, models.UserText(userText))
	resp, err := c.create(ctx)
	if err != nil {
		return nil, err
	}
	c.Messages = append(c.Messages, models.AssistantBlocks(resp.Content))
	return resp, nil
}

// Step performs a provider call against the current transcript without a
// new user message; used to resume after tool results are appended.
func (c *Conversation) Step(ctx context.Context) (*provider.Response, error) {
	resp, err := c.create(ctx)
	if err != nil {
		return nil, err
	}
	c.Messages = append(c.Messages, models.AssistantBlocks(resp.Content))
	return resp, nil
}

// HandleToolUse executes every tool_use block in resp and appends one user
// message of tool_result blocks. Handlers run concurrently; the appended
// results match the source block order exactly. Returns the appended
// blocks, or nil when resp has no tool_use blocks.
func (c *Conversation) HandleToolUse(ctx context.Context, resp *provider.Response) []models.ContentBlock {
	uses := resp.ToolUses()
	if len(uses) == 0 {
		return nil
	}

	results := make([]models.ContentBlock, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(i int, use models.ContentBlock) {
			defer wg.Done()
			results[i] = models.NewToolResultBlock(use.ID, c.executeTool(ctx, use))
		}(i, use)
	}
	wg.Wait()

	c.Messages = append(c.Messages, models.UserBlocks(results))
	return results
}

func (c *Conversation) executeTool(ctx context.Context, use models.ContentBlock) string {
	handler, ok := c.handler(use.Name)
	if !ok {
		return fmt.Sprintf("Error: no handler registered for tool '%s'", use.Name)
	}
	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	result, err := handler(ctx, input)
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	return result
}

// RunUntilDone sends userText and loops tool execution until the provider
// stops requesting tools, returning the final text blocks joined by
// newline.
func (c *Conversation) RunUntilDone(ctx context.Context, userText string) (string, error) {
	resp, err := c.Send(ctx, userText)
	if err != nil {
		return "", err
	}
	for resp.StopReason == provider.StopToolUse {
		c.HandleToolUse(ctx, resp)
		resp, err = c.Step(ctx)
		if err != nil {
			return "", err
		}
	}
	return resp.Text(), nil
}
