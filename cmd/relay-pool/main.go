// relay-pool spawns and supervises local relay-worker processes. Pool state
// lives in worker_pool.json; the serve subcommand exposes an HTTP control
// API and hot-reloads the file when it is edited.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/pool"
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

type poolFlags struct {
	configPath string
	logsDir    string
	workerBin  string
	logLevel   string
}

func (f *poolFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.configPath, "pool-config", "worker_pool.json", "pool state file")
	cmd.PersistentFlags().StringVar(&f.logsDir, "logs-dir", "", "directory for worker logs (default: logs next to the state file)")
	cmd.PersistentFlags().StringVar(&f.workerBin, "worker-bin", "", "worker binary to spawn (default: relay-worker)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func (f *poolFlags) manager() (*pool.Manager, error) {
	return pool.NewManager(pool.Options{
		ConfigPath: f.configPath,
		LogsDir:    f.logsDir,
		WorkerBin:  f.workerBin,
		Logger:     observability.NewLogger(observability.LogConfig{Level: f.logLevel}),
	})
}

func buildRootCmd() *cobra.Command {
	flags := &poolFlags{}

	rootCmd := &cobra.Command{
		Use:          "relay-pool",
		Short:        "Manage a pool of local relay workers",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(
		buildInitCmd(flags),
		buildServePoolCmd(flags),
		buildAddCmd(flags),
		buildRemoveCmd(flags),
		buildScaleCmd(flags),
		buildStatusCmd(flags),
		buildStopAllCmd(flags),
	)
	return rootCmd
}

func buildInitCmd(flags *poolFlags) *cobra.Command {
	var hubURL string
	var basePort int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the pool config",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}
			if err := m.SetConfig(hubURL, basePort); err != nil {
				return err
			}
			fmt.Printf("pool config written to %s\n", m.ConfigPath())
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub-url", "", "hub WebSocket URL workers connect to")
	cmd.Flags().IntVar(&basePort, "base-port", pool.DefaultBasePort, "first health-probe port to assign")
	cmd.MarkFlagRequired("hub-url")
	return cmd
}

func buildServePoolCmd(flags *poolFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool control API and watch the config for edits",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go m.Watch(ctx)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: pool.NewAPI(m).Handler(),
			}
			go func() {
				<-ctx.Done()
				srv.Shutdown(context.Background())
			}()

			fmt.Printf("pool API listening on :%d\n", port)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 9090, "control API port")
	return cmd
}

func buildAddCmd(flags *poolFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Spawn workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				entry, err := m.AddWorker(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("started %s (pid %d, health port %d)\n", entry.ID, entry.PID, entry.Port)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of workers to spawn")
	return cmd
}

func buildRemoveCmd(flags *poolFlags) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Stop one worker by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}
			if err := m.RemoveWorker(cmd.Context(), id); err != nil {
				if errors.Is(err, pool.ErrWorkerNotFound) {
					return fmt.Errorf("worker %q not found", id)
				}
				return err
			}
			fmt.Printf("stopped %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker id, e.g. w1")
	cmd.MarkFlagRequired("id")
	return cmd
}

func buildScaleCmd(flags *poolFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <target>",
		Short: "Add or remove workers to reach the target count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil || target < 0 {
				return fmt.Errorf("invalid target %q", args[0])
			}
			m, err := flags.manager()
			if err != nil {
				return err
			}
			result, err := m.ScaleTo(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Printf("added %d, removed %d, total %d\n", len(result.Added), len(result.Removed), result.Total)
			return nil
		},
	}
}

func buildStatusCmd(flags *poolFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every pool worker and its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}
			statuses := m.Statuses(cmd.Context())
			if len(statuses) == 0 {
				fmt.Println("no workers")
				return nil
			}
			fmt.Printf("%-6s %-8s %-8s %-6s %s\n", "ID", "PID", "PORT", "ALIVE", "HEALTH")
			for _, s := range statuses {
				fmt.Printf("%-6s %-8d %-8d %-6t %s\n", s.ID, s.PID, s.Port, s.Alive, s.Health)
			}
			return nil
		},
	}
}

func buildStopAllCmd(flags *poolFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every pool worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manager()
			if err != nil {
				return err
			}
			removed, err := m.RemoveAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("stopped %d workers\n", removed)
			return nil
		},
	}
}
