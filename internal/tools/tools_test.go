package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func builtinByName(t *testing.T, name string) Tool {
	t.Helper()
	tool, ok := ByName(Builtin())[name]
	if !ok {
		t.Fatalf("builtin tool %q missing", name)
	}
	return tool
}

func TestBuiltinSchemas(t *testing.T) {
	all := Builtin()
	if len(all) != 3 {
		t.Fatalf("expected 3 builtin tools, got %d", len(all))
	}
	for _, tool := range all {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema.InputSchema, &schema); err != nil {
			t.Fatalf("%s: schema not valid JSON: %v", tool.Schema.Name, err)
		}
		if schema["type"] != "object" {
			t.Fatalf("%s: schema type = %v", tool.Schema.Name, schema["type"])
		}
		if _, ok := schema["$schema"]; ok {
			t.Fatalf("%s: $schema marker not stripped", tool.Schema.Name)
		}
		if tool.Schema.Description == "" {
			t.Fatalf("%s: missing description", tool.Schema.Name)
		}
	}

	// read_file requires path; list_directory does not.
	var rf struct {
		Required []string `json:"required"`
	}
	json.Unmarshal(builtinByName(t, "read_file").Schema.InputSchema, &rf)
	if len(rf.Required) != 1 || rf.Required[0] != "path" {
		t.Fatalf("read_file required = %v", rf.Required)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello tools"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := builtinByName(t, "read_file")
	input, _ := json.Marshal(map[string]string{"path": path})
	out, err := tool.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "hello tools" {
		t.Fatalf("out = %q", out)
	}

	if _, err := tool.Run(context.Background(), json.RawMessage(`{"path":"/no/such/file"}`)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool := builtinByName(t, "list_directory")
	input, _ := json.Marshal(map[string]string{"path": dir})
	out, err := tool.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "a.txt\nb.txt" {
		t.Fatalf("out = %q, want sorted listing", out)
	}
}

func TestListDirectoryDefaultsToCwd(t *testing.T) {
	tool := builtinByName(t, "list_directory")
	out, err := tool.Run(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty listing of the working directory")
	}
}

func TestExecCommand(t *testing.T) {
	tool := builtinByName(t, "exec_command")

	out, err := tool.Run(context.Background(), json.RawMessage(`{"command":"echo hi"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Fatalf("out = %q", out)
	}
}

func TestExecCommandNonZeroExit(t *testing.T) {
	tool := builtinByName(t, "exec_command")
	out, err := tool.Run(context.Background(), json.RawMessage(`{"command":"echo oops >&2; exit 3"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out, "oops") || !strings.Contains(out, "exit status 3") {
		t.Fatalf("out = %q", out)
	}
}

func TestExecCommandTimeout(t *testing.T) {
	tool := builtinByName(t, "exec_command")
	_, err := tool.Run(context.Background(), json.RawMessage(`{"command":"sleep 5","timeout_seconds":1}`))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestExecCommandRequiresCommand(t *testing.T) {
	tool := builtinByName(t, "exec_command")
	if _, err := tool.Run(context.Background(), json.RawMessage(`{"command":"  "}`)); err == nil {
		t.Fatal("expected error for blank command")
	}
}

func TestValidateInput(t *testing.T) {
	schema := builtinByName(t, "read_file").Schema

	if err := ValidateInput(schema, json.RawMessage(`{"path":"go.mod"}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if err := ValidateInput(schema, json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing required path accepted")
	}
	if err := ValidateInput(schema, json.RawMessage(`{"path":42}`)); err == nil {
		t.Fatal("wrong type accepted")
	}
}
