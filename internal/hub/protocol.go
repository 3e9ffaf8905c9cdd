package hub

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/relay/pkg/models"
)

// Frame types on the worker wire. One JSON value per text frame.
const (
	frameRegister   = "register"
	frameToolCall   = "tool_call"
	frameToolResult = "tool_result"
)

// workerFrame is the union of worker→hub messages.
type workerFrame struct {
	Type     string              `json:"type"`
	WorkerID string              `json:"worker_id,omitempty"`
	Tools    []models.ToolSchema `json:"tools,omitempty"`
	CallID   string              `json:"call_id,omitempty"`
	Content  string              `json:"content,omitempty"`
}

// toolCallFrame is the hub→worker dispatch message.
type toolCallFrame struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

func decodeWorkerFrame(data []byte) (*workerFrame, error) {
	var frame workerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &frame, nil
}

func encodeToolCall(callID, name string, input json.RawMessage) ([]byte, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(toolCallFrame{
		Type:   frameToolCall,
		CallID: callID,
		Name:   name,
		Input:  input,
	})
}
