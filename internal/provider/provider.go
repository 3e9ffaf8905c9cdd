// Package provider implements LLM provider clients behind a single
// non-streaming completion interface. A provider call takes the full
// transcript plus tool schemas and returns content blocks with a stop
// reason; the agent loop turns tool_use stop reasons into hub dispatches.
package provider

import (
	"context"

	"github.com/relaymesh/relay/pkg/models"
)

// Stop reasons reported by providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Request is one completion request. Field names mirror the wire format.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []models.Message
	Tools     []models.ToolSchema
}

// Response is the provider's completion: ordered content blocks plus the
// stop reason that drives the agent loop.
type Response struct {
	Content    []models.ContentBlock
	StopReason string
}

// Text returns all text blocks joined by newline.
func (r *Response) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type != models.BlockText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}

// ToolUses returns the tool_use blocks in source order.
func (r *Response) ToolUses() []models.ContentBlock {
	var uses []models.ContentBlock
	for _, block := range r.Content {
		if block.Type == models.BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// Provider is a stateless completion backend.
type Provider interface {
	// Name identifies the provider for routing and metrics.
	Name() string

	// Create performs one completion call. It must not mutate the request.
	Create(ctx context.Context, req *Request) (*Response, error)
}
