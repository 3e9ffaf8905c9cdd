// relay-worker connects to a relay hub over WebSocket, registers the builtin
// tools, and executes dispatched tool calls. It reconnects on failure and
// optionally serves a /healthz probe for the pool manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/tools"
	"github.com/relaymesh/relay/internal/worker"
)

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:8080/ws/worker", "hub WebSocket URL")
		workerID   = flag.String("worker-id", "", "stable worker id (default: assigned by the hub)")
		healthPort = flag.Int("health-port", 0, "port for the /healthz probe (0 disables)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.LogConfig{Level: *logLevel})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := worker.New(worker.Config{
		ServerURL: *serverURL,
		WorkerID:  *workerID,
		Tools:     tools.Builtin(),
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	var health *worker.HealthServer
	if *healthPort > 0 {
		health = worker.NewHealthServer(w, *healthPort)
		go func() {
			if err := health.ListenAndServe(); err != nil {
				logger.Error(ctx, "health server failed", "error", err)
			}
		}()
	}

	err = w.Run(ctx)

	if health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		health.Shutdown(shutdownCtx)
		cancel()
	}
	if err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
