// Package models defines the wire-level message and tool types shared by the
// hub, workers, and clients. The JSON shapes mirror the provider API exactly:
// a message carries either a plain string or an ordered list of content
// blocks, and block ordering is significant end to end.
package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged content variant. Exactly one variant's fields are
// populated, selected by Type:
//
//	text:        Text
//	tool_use:    ID, Name, Input
//	tool_result: ToolUseID, Content
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewToolUseBlock returns a tool_use content block.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns a tool_result content block.
func NewToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// Content holds message content in either of its two wire forms: a plain
// string or an ordered sequence of content blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
	// IsText reports which form is active. String-form user content is
	// preserved as a string across save/load round trips.
	IsText bool
}

// TextContent returns string-form content.
func TextContent(text string) Content {
	return Content{Text: text, IsText: true}
}

// BlockContent returns block-form content.
func BlockContent(blocks []ContentBlock) Content {
	return Content{Blocks: blocks}
}

// MarshalJSON emits the string form or the block array verbatim.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either wire form.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.IsText = true
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	c.Text = ""
	if err := json.Unmarshal(data, &c.Blocks); err != nil {
		return fmt.Errorf("content must be a string or a block array: %w", err)
	}
	return nil
}

// Message is one transcript entry.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UserText returns a string-form user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: TextContent(text)}
}

// UserBlocks returns a block-form user message.
func UserBlocks(blocks []ContentBlock) Message {
	return Message{Role: RoleUser, Content: BlockContent(blocks)}
}

// AssistantBlocks returns a block-form assistant message.
func AssistantBlocks(blocks []ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: BlockContent(blocks)}
}
