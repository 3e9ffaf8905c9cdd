package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Fatalf("expected default http port %d, got %d", DefaultHTTPPort, cfg.Server.HTTPPort)
	}
	if cfg.Provider.Kind != "anthropic" {
		t.Fatalf("expected default provider anthropic, got %q", cfg.Provider.Kind)
	}
	if cfg.Hub.DispatchTimeout != 120*time.Second {
		t.Fatalf("expected 120s dispatch timeout, got %v", cfg.Hub.DispatchTimeout)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_MODEL", "claude-test-model")
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
server:
  http_port: 9999
provider:
  default_model: ${RELAY_TEST_MODEL}
sessions:
  dir: /tmp/sessions
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Provider.DefaultModel != "claude-test-model" {
		t.Fatalf("env expansion failed: %q", cfg.Provider.DefaultModel)
	}
	if cfg.Sessions.Dir != "/tmp/sessions" {
		t.Fatalf("sessions dir = %q", cfg.Sessions.Dir)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.json5", `{
  // comments are allowed in json5
  server: { http_port: 8123 },
  provider: { kind: "openai" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8123 {
		t.Fatalf("expected port 8123, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Provider.Kind != "openai" {
		t.Fatalf("expected openai provider, got %q", cfg.Provider.Kind)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
provider:
  max_tokens: 2048
log:
  level: debug
`)
	path := writeFile(t, dir, "relay.yaml", `
$include: base.yaml
log:
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.MaxTokens != 2048 {
		t.Fatalf("include not merged: max_tokens = %d", cfg.Provider.MaxTokens)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("merge order wrong: %+v", cfg.Log)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "provider:\n  kind: cohere\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestRetentionCronRequiresMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "sessions:\n  retention_cron: \"0 3 * * *\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when retention_cron set without retention_max_age")
	}
}
