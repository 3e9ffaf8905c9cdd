// Package worker is the tool worker client: it connects to the hub,
// registers its tool set, and serves tool_call frames until stopped,
// reconnecting on connection loss.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/internal/tools"
)

const (
	reconnectDelay = 2 * time.Second
	writeWait      = 10 * time.Second
)

// Config configures a Worker.
type Config struct {
	ServerURL string
	WorkerID  string
	Tools     []tools.Tool
	Logger    *observability.Logger
}

// Worker maintains one hub connection and executes tool calls.
type Worker struct {
	serverURL string
	workerID  string
	tools     []tools.Tool
	byName    map[string]tools.Tool
	logger    *observability.Logger

	connected atomic.Bool

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New builds a worker; ServerURL is required.
func New(cfg Config) (*Worker, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("worker: server URL is required")
	}
	return &Worker{
		serverURL: cfg.ServerURL,
		workerID:  cfg.WorkerID,
		tools:     cfg.Tools,
		byName:    tools.ByName(cfg.Tools),
		logger:    cfg.Logger,
	}, nil
}

// Connected reports whether the hub connection is currently up.
func (w *Worker) Connected() bool { return w.connected.Load() }

// Run connects and serves until ctx is cancelled, reconnecting with a
// fixed delay after connection loss.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.logger != nil {
			w.logger.Warn(ctx, "hub connection lost, reconnecting",
				"error", err, "delay", reconnectDelay.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *Worker) serveOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.serverURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	register := map[string]any{
		"type":  "register",
		"tools": tools.Schemas(w.tools),
	}
	if w.workerID != "" {
		register["worker_id"] = w.workerID
	}
	if err := w.writeJSON(conn, register); err != nil {
		return err
	}

	w.connected.Store(true)
	defer w.connected.Store(false)
	if w.logger != nil {
		w.logger.Info(ctx, "registered with hub",
			"server", w.serverURL, "tools", len(w.tools))
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame struct {
			Type   string          `json:"type"`
			CallID string          `json:"call_id"`
			Name   string          `json:"name"`
			Input  json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			if w.logger != nil {
				w.logger.Warn(ctx, "malformed hub frame", "error", err)
			}
			continue
		}
		if frame.Type != "tool_call" {
			continue
		}
		// Calls run concurrently so a slow tool does not block the socket.
		go w.handleCall(ctx, conn, frame.CallID, frame.Name, frame.Input)
	}
}

// handleCall answers on the connection the call arrived on. A call that
// outlives its connection is discarded rather than written to a
// replacement socket; the hub has already timed it out.
func (w *Worker) handleCall(ctx context.Context, conn *websocket.Conn, callID, name string, input json.RawMessage) {
	content := w.execute(ctx, name, input)
	result := map[string]any{
		"type":    "tool_result",
		"call_id": callID,
		"content": content,
	}
	if err := w.writeJSON(conn, result); err != nil && w.logger != nil {
		w.logger.Warn(ctx, "failed to send tool result",
			"call_id", callID, "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, name string, input json.RawMessage) string {
	tool, ok := w.byName[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool '%s'", name)
	}
	if err := tools.ValidateInput(tool.Schema, input); err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	result, err := tool.Run(ctx, input)
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	return result
}

func (w *Worker) writeJSON(conn *websocket.Conn, v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn != conn {
		return fmt.Errorf("worker: connection superseded")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
