// Package main is the relay CLI: the hub server plus local agent and chat
// modes.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Run a one-shot agent prompt with local tools:
//
//	relay agent "summarize go.mod"
//
// Run the agent against remote workers:
//
//	relay agent --listen 0.0.0.0:9600 "read main.go"
//
// Interactive chat:
//
//	relay chat
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/provider"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - distributed tool hub for LLM agents",
		Long:         "Relay fronts an LLM agent loop with a WebSocket hub that routes tool calls to remote workers.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildChatCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// newProvider builds the configured provider, falling back to the
// conventional environment variables for the API key.
func newProvider(cfg *config.Config) (provider.Provider, error) {
	key := cfg.Provider.APIKey
	switch cfg.Provider.Kind {
	case "openai":
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:     key,
			BaseURL:    cfg.Provider.BaseURL,
			MaxRetries: cfg.Provider.MaxRetries,
		})
	default:
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:     key,
			BaseURL:    cfg.Provider.BaseURL,
			MaxRetries: cfg.Provider.MaxRetries,
		})
	}
}
