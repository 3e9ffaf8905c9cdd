package models

import "encoding/json"

// ToolSchema describes one callable tool. Name is the registry key; the
// input schema is an opaque JSON-Schema-shaped object passed through to the
// provider unmodified.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}
