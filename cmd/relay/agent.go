package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/hub"
	"github.com/relaymesh/relay/internal/tools"
)

// clientFlags are shared by the agent and chat commands.
type clientFlags struct {
	configPath string
	model      string
	system     string
	maxTokens  int
	listen     string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to config file (YAML or JSON5)")
	cmd.Flags().StringVar(&f.model, "model", "", "model to use (default from config)")
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "max tokens per response (default from config)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "host:port to accept remote workers on; omit to run tools in-process")
}

// setup builds a conversation with tools attached. With --listen the tools
// come from remote workers through a standalone hub; otherwise the builtin
// tools run in-process. The returned func tears the hub down.
func (f *clientFlags) setup(ctx context.Context) (*conversation.Conversation, func(), error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)

	p, err := newProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	model := f.model
	if model == "" {
		model = cfg.Provider.DefaultModel
	}
	maxTokens := f.maxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Provider.MaxTokens
	}
	conv := conversation.New(p, conversation.Options{
		Model:     model,
		System:    f.system,
		MaxTokens: maxTokens,
	})

	if f.listen == "" {
		for _, t := range tools.Builtin() {
			conv.RegisterTool(t.Schema, t.Run)
		}
		return conv, func() {}, nil
	}

	h := hub.New(hub.Options{
		DispatchTimeout: cfg.Hub.DispatchTimeout,
		Logger:          logger,
	})
	go func() {
		if err := h.Start(f.listen); err != nil {
			logger.Error(ctx, "hub listener failed", "error", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "Waiting for a worker on %s...\n", f.listen)
	if err := h.WaitForWorkers(ctx, 1); err != nil {
		h.Stop(context.Background())
		return nil, nil, err
	}
	h.RegisterToolsOn(conv, "")

	teardown := func() {
		h.Unbind(conv)
		h.Stop(context.Background())
	}
	return conv, teardown, nil
}

func buildAgentCmd() *cobra.Command {
	flags := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "agent [prompt]",
		Short: "Run one agentic prompt to completion and print the result",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(string(data))
			}
			if prompt == "" {
				return fmt.Errorf("no prompt given")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conv, teardown, err := flags.setup(ctx)
			if err != nil {
				return err
			}
			defer teardown()

			result, err := conv.RunUntilDone(ctx, prompt)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
