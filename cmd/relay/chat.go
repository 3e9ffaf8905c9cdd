package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/sessions"
)

func buildChatCmd() *cobra.Command {
	flags := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with tool use",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conv, teardown, err := flags.setup(ctx)
			if err != nil {
				return err
			}
			defer teardown()

			fmt.Println("Type a message, or 'quit' to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("you> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "quit" || line == "exit" {
					return nil
				}

				result, err := conv.RunUntilDone(ctx, line)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Fprintln(os.Stderr, "Error:", err)
					continue
				}
				fmt.Println("assistant>", result)
			}
		},
	}

	flags.register(cmd)
	return cmd
}

// buildSessionsCmd lists sessions saved by the server, for picking one to
// resume over the HTTP API.
func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := sessions.NewFileStore(cfg.Sessions.Dir, observability.NewLogger(observability.LogConfig{Level: "error"}))
			if err != nil {
				return err
			}
			metas, err := store.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, meta := range metas {
				fmt.Println(sessions.Describe(meta))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON5)")
	return cmd
}
