// Package tools holds the builtin local tools served by workers: schemas
// are reflected from the input structs and inputs are validated against
// them before execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/relaymesh/relay/pkg/models"
)

// Tool pairs a wire schema with its local implementation.
type Tool struct {
	Schema models.ToolSchema
	Run    func(ctx context.Context, input json.RawMessage) (string, error)
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"description=Absolute or relative path to the file to read."`
}

type listDirectoryInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Absolute or relative path to the directory to list. Defaults to the current directory."`
}

type execCommandInput struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Maximum run time in seconds. Defaults to 30."`
}

// Builtin returns the local tool set: read_file, list_directory, and
// exec_command.
func Builtin() []Tool {
	return []Tool{
		{
			Schema: mustSchema("read_file",
				"Read the contents of a file at the given path.",
				&readFileInput{}),
			Run: validated[readFileInput](runReadFile),
		},
		{
			Schema: mustSchema("list_directory",
				"List files and directories at the given path.",
				&listDirectoryInput{}),
			Run: validated[listDirectoryInput](runListDirectory),
		},
		{
			Schema: mustSchema("exec_command",
				"Run a shell command and return its combined output.",
				&execCommandInput{}),
			Run: validated[execCommandInput](runExecCommand),
		},
	}
}

// Schemas returns just the wire schemas of ts.
func Schemas(ts []Tool) []models.ToolSchema {
	out := make([]models.ToolSchema, len(ts))
	for i, t := range ts {
		out[i] = t.Schema
	}
	return out
}

// ByName indexes ts by tool name.
func ByName(ts []Tool) map[string]Tool {
	out := make(map[string]Tool, len(ts))
	for _, t := range ts {
		out[t.Schema.Name] = t
	}
	return out
}

// validated wraps a typed tool function with schema validation and input
// decoding.
func validated[T any](run func(ctx context.Context, input T) (string, error)) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		var input T
		if err := json.Unmarshal(raw, &input); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		return run(ctx, input)
	}
}

func runReadFile(_ context.Context, input readFileInput) (string, error) {
	data, err := os.ReadFile(input.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runListDirectory(_ context.Context, input listDirectoryInput) (string, error) {
	path := input.Path
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// mustSchema reflects an inline JSON schema from the input struct.
func mustSchema(name, description string, input any) models.ToolSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(input)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %s: %v", name, err))
	}

	// The $schema marker is reflector noise on a tool input schema.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %s: %v", name, err))
	}
	delete(m, "$schema")
	raw, err = json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("tools: encode schema for %s: %v", name, err))
	}

	return models.ToolSchema{Name: name, Description: description, InputSchema: raw}
}
