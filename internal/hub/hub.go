// Package hub is the dispatch fabric between agent conversations and tool
// workers. Workers connect over WebSocket, register the tools they serve,
// and receive tool_call frames; the hub correlates tool_result frames back
// to waiting dispatches with session-affinity-aware round-robin routing.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/observability"
	"github.com/relaymesh/relay/pkg/models"
)

// DefaultDispatchTimeout bounds one tool call end to end.
const DefaultDispatchTimeout = 120 * time.Second

// Options configures a Hub.
type Options struct {
	DispatchTimeout time.Duration
	Logger          *observability.Logger
	Metrics         *observability.Metrics
}

type dispatchResult struct {
	content string
	outcome string
}

// Hub routes tool calls to registered workers. All maps are guarded by mu;
// nothing blocking happens under it.
type Hub struct {
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*workerConn
	toolWorkers map[string][]string
	schemas     []models.ToolSchema
	rrIndex     map[string]int
	affinity    map[string]string
	pending     map[string]chan dispatchResult
	callWorker  map[string]string
	outstanding map[string]int
	bound       map[*conversation.Conversation]string
	regSignal   chan struct{}

	listener *http.Server
}

// New builds an empty hub.
func New(opts Options) *Hub {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	return &Hub{
		timeout: opts.DispatchTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:       make(map[string]*workerConn),
		toolWorkers: make(map[string][]string),
		rrIndex:     make(map[string]int),
		affinity:    make(map[string]string),
		pending:     make(map[string]chan dispatchResult),
		callWorker:  make(map[string]string),
		outstanding: make(map[string]int),
		bound:       make(map[*conversation.Conversation]string),
		regSignal:   make(chan struct{}),
	}
}

// ServeWS is the worker protocol endpoint. The first frame must be a
// register message; everything after that is tool_result traffic.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	socket.SetReadLimit(wsMaxPayloadBytes)
	_ = socket.SetReadDeadline(time.Now().Add(wsRegisterWait))
	_, data, err := socket.ReadMessage()
	if err != nil {
		_ = socket.Close()
		return
	}
	frame, err := decodeWorkerFrame(data)
	if err != nil || frame.Type != frameRegister {
		if h.logger != nil {
			h.logger.Warn(r.Context(), "worker handshake rejected", "error", err)
		}
		_ = socket.Close()
		return
	}

	workerID := frame.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()[:8]
	}

	conn := newWorkerConn(workerID, socket)
	h.register(conn, frame.Tools)
	if h.logger != nil {
		h.logger.Info(r.Context(), "worker registered",
			"worker_id", workerID, "tools", len(frame.Tools))
	}

	go conn.writeLoop()
	h.readLoop(conn)
	h.disconnect(conn)
}

func (h *Hub) readLoop(conn *workerConn) {
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	_ = conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeWorkerFrame(data)
		if err != nil {
			// Malformed frames are logged and ignored; the connection
			// stays open.
			if h.logger != nil {
				h.logger.Warn(context.Background(), "malformed worker frame",
					"worker_id", conn.id, "error", err)
			}
			continue
		}
		switch frame.Type {
		case frameToolResult:
			h.handleToolResult(frame.CallID, frame.Content)
		case frameRegister:
			// Register may appear only once per connection.
			if h.logger != nil {
				h.logger.Warn(context.Background(), "duplicate register frame ignored",
					"worker_id", conn.id)
			}
		default:
			if h.logger != nil {
				h.logger.Warn(context.Background(), "unknown worker frame type",
					"worker_id", conn.id, "type", frame.Type)
			}
		}
	}
}

// register installs the connection and its tools. A reconnect with the
// same worker_id supersedes the previous connection.
func (h *Hub) register(conn *workerConn, tools []models.ToolSchema) {
	var stale *workerConn
	var staleTools []string
	var newHandlers []struct {
		schema models.ToolSchema
		convs  map[*conversation.Conversation]string
	}

	h.mu.Lock()
	if prev, ok := h.conns[conn.id]; ok && prev != conn {
		stale = prev
		staleTools, _ = h.removeLocked(prev)
	}
	h.conns[conn.id] = conn

	for _, schema := range tools {
		workers := h.toolWorkers[schema.Name]
		if !containsString(workers, conn.id) {
			h.toolWorkers[schema.Name] = append(workers, conn.id)
		}
		if !h.knownToolLocked(schema.Name) {
			// First worker for this name wins the schema.
			h.schemas = append(h.schemas, schema)
			h.rrIndex[schema.Name] = 0
			convs := make(map[*conversation.Conversation]string, len(h.bound))
			for conv, sessionID := range h.bound {
				convs[conv] = sessionID
			}
			newHandlers = append(newHandlers, struct {
				schema models.ToolSchema
				convs  map[*conversation.Conversation]string
			}{schema, convs})
		}
	}

	// Tools the superseded connection served but the fresh registration
	// did not bring back must be scrubbed from bound conversations.
	dropped := staleTools[:0]
	for _, name := range staleTools {
		if !h.knownToolLocked(name) {
			dropped = append(dropped, name)
		}
	}
	convs := make(map[*conversation.Conversation]string, len(h.bound))
	if len(dropped) > 0 {
		for conv, sessionID := range h.bound {
			convs[conv] = sessionID
		}
	}

	close(h.regSignal)
	h.regSignal = make(chan struct{})
	h.updateGaugesLocked()
	h.mu.Unlock()

	if stale != nil {
		stale.close()
	}
	for _, name := range dropped {
		for conv := range convs {
			conv.UnregisterTool(name)
		}
	}
	for _, nh := range newHandlers {
		for conv, sessionID := range nh.convs {
			h.installHandler(conv, nh.schema, sessionID)
		}
	}
}

func (h *Hub) knownToolLocked(name string) bool {
	for _, schema := range h.schemas {
		if schema.Name == name {
			return true
		}
	}
	return false
}

// disconnect runs full cleanup after a worker socket closes. Outstanding
// pending calls are left to hit the dispatch timeout.
func (h *Hub) disconnect(conn *workerConn) {
	conn.close()

	h.mu.Lock()
	if h.conns[conn.id] != conn {
		// A reconnect already superseded this socket; its state is gone.
		h.mu.Unlock()
		return
	}
	removedTools, convs := h.removeLocked(conn)
	h.updateGaugesLocked()
	h.mu.Unlock()

	for _, name := range removedTools {
		for conv := range convs {
			conv.UnregisterTool(name)
		}
	}
	if h.logger != nil {
		h.logger.Info(context.Background(), "worker disconnected",
			"worker_id", conn.id, "tools_removed", len(removedTools))
	}
}

// removeLocked strips a worker from every routing structure and returns
// the tool names that lost their last worker plus the bound conversations
// to scrub. Caller holds mu.
func (h *Hub) removeLocked(conn *workerConn) ([]string, map[*conversation.Conversation]string) {
	delete(h.conns, conn.id)

	var removedTools []string
	for name, workers := range h.toolWorkers {
		kept := workers[:0]
		for _, id := range workers {
			if id != conn.id {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(h.toolWorkers, name)
			delete(h.rrIndex, name)
			removedTools = append(removedTools, name)
		} else {
			h.toolWorkers[name] = kept
		}
	}
	for _, name := range removedTools {
		for i, schema := range h.schemas {
			if schema.Name == name {
				h.schemas = append(h.schemas[:i], h.schemas[i+1:]...)
				break
			}
		}
	}

	for sessionID, workerID := range h.affinity {
		if workerID == conn.id {
			delete(h.affinity, sessionID)
		}
	}
	for callID, workerID := range h.callWorker {
		if workerID == conn.id {
			delete(h.callWorker, callID)
		}
	}
	delete(h.outstanding, conn.id)

	convs := make(map[*conversation.Conversation]string, len(h.bound))
	for conv, sessionID := range h.bound {
		convs[conv] = sessionID
	}
	return removedTools, convs
}

// pickWorker implements affinity-aware round-robin. Caller holds mu.
// Returns "" when no live worker serves the tool.
func (h *Hub) pickWorkerLocked(toolName, sessionID string) string {
	workers := h.toolWorkers[toolName]
	if len(workers) == 0 {
		return ""
	}

	if sessionID != "" {
		if bound, ok := h.affinity[sessionID]; ok {
			if _, live := h.conns[bound]; live && containsString(workers, bound) {
				return bound
			}
		}
	}

	alive := make([]string, 0, len(workers))
	for _, id := range workers {
		if _, live := h.conns[id]; live {
			alive = append(alive, id)
		}
	}
	if len(alive) == 0 {
		return ""
	}

	chosen := alive[h.rrIndex[toolName]%len(alive)]
	h.rrIndex[toolName]++
	if sessionID != "" {
		h.affinity[sessionID] = chosen
	}
	return chosen
}

// Dispatch routes one tool call and blocks for the result. Errors come
// back as the result string so the model can observe them; Dispatch never
// fails the agent loop.
func (h *Hub) Dispatch(ctx context.Context, toolName string, input json.RawMessage, sessionID string) string {
	start := time.Now()

	h.mu.Lock()
	workerID := h.pickWorkerLocked(toolName, sessionID)
	if workerID == "" {
		h.mu.Unlock()
		h.observeDispatch(toolName, "no_worker", start)
		return fmt.Sprintf("Error: no worker registered for tool '%s'", toolName)
	}
	conn, ok := h.conns[workerID]
	if !ok {
		h.mu.Unlock()
		h.observeDispatch(toolName, "disconnected", start)
		return fmt.Sprintf("Error: worker for tool '%s' is disconnected", toolName)
	}

	callID := uuid.NewString()
	result := make(chan dispatchResult, 1)
	h.pending[callID] = result
	h.callWorker[callID] = workerID
	h.outstanding[workerID]++
	h.mu.Unlock()

	frame, err := encodeToolCall(callID, toolName, input)
	if err == nil {
		err = conn.enqueue(frame)
	}
	if err != nil {
		h.dropCall(callID, workerID)
		h.observeDispatch(toolName, "disconnected", start)
		return fmt.Sprintf("Error: worker for tool '%s' is disconnected", toolName)
	}

	// The expiry owns cleanup for the timeout and the cancelled-caller
	// paths; a fulfilled call is cleaned up by handleToolResult before the
	// timer fires.
	timer := time.AfterFunc(h.timeout, func() {
		h.expireCall(callID, workerID, result)
	})

	select {
	case res := <-result:
		timer.Stop()
		h.observeDispatch(toolName, res.outcome, start)
		if res.outcome == "timeout" {
			return fmt.Sprintf("Error: tool '%s' timed out after %ds", toolName, int(h.timeout.Seconds()))
		}
		return res.content
	case <-ctx.Done():
		// Abandon the call; the worker's eventual result is discarded and
		// the expiry timer reclaims the pending state.
		h.observeDispatch(toolName, "cancelled", start)
		return fmt.Sprintf("Error: %s", ctx.Err())
	}
}

// dropCall reclaims dispatch state after a failed send.
func (h *Hub) dropCall(callID, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, callID)
	delete(h.callWorker, callID)
	h.decrementOutstandingLocked(workerID)
}

// expireCall times out a still-pending call.
func (h *Hub) expireCall(callID, workerID string, result chan dispatchResult) {
	h.mu.Lock()
	_, stillPending := h.pending[callID]
	if stillPending {
		delete(h.pending, callID)
		if _, ok := h.callWorker[callID]; ok {
			delete(h.callWorker, callID)
			h.decrementOutstandingLocked(workerID)
		}
	}
	h.mu.Unlock()

	if stillPending {
		result <- dispatchResult{outcome: "timeout"}
	}
}

// handleToolResult fulfills a pending dispatch. Late results for expired
// calls are dropped.
func (h *Hub) handleToolResult(callID, content string) {
	h.mu.Lock()
	result, ok := h.pending[callID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, callID)
	if workerID, ok := h.callWorker[callID]; ok {
		delete(h.callWorker, callID)
		h.decrementOutstandingLocked(workerID)
	}
	h.mu.Unlock()

	result <- dispatchResult{content: content, outcome: "ok"}
}

func (h *Hub) decrementOutstandingLocked(workerID string) {
	if n, ok := h.outstanding[workerID]; ok {
		if n <= 1 {
			delete(h.outstanding, workerID)
		} else {
			h.outstanding[workerID] = n - 1
		}
	}
}

func (h *Hub) observeDispatch(toolName, outcome string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.DispatchCounter.WithLabelValues(toolName, outcome).Inc()
	h.metrics.DispatchDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
}

func (h *Hub) updateGaugesLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.ConnectedWorkers.Set(float64(len(h.conns)))
	h.metrics.RegisteredTools.Set(float64(len(h.schemas)))
}

// RegisterToolsOn installs a forwarding handler on conv for every known
// tool and keeps conv bound: tools registered or removed later propagate
// until Unbind.
func (h *Hub) RegisterToolsOn(conv *conversation.Conversation, sessionID string) {
	h.mu.Lock()
	schemas := make([]models.ToolSchema, len(h.schemas))
	copy(schemas, h.schemas)
	h.bound[conv] = sessionID
	h.mu.Unlock()

	for _, schema := range schemas {
		h.installHandler(conv, schema, sessionID)
	}
}

// Unbind stops propagating tool registry changes to conv.
func (h *Hub) Unbind(conv *conversation.Conversation) {
	h.mu.Lock()
	delete(h.bound, conv)
	h.mu.Unlock()
}

func (h *Hub) installHandler(conv *conversation.Conversation, schema models.ToolSchema, sessionID string) {
	name := schema.Name
	conv.RegisterTool(schema, func(ctx context.Context, input json.RawMessage) (string, error) {
		return h.Dispatch(ctx, name, input, sessionID), nil
	})
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Schemas returns the registered tool schemas in registration order.
func (h *Hub) Schemas() []models.ToolSchema {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ToolSchema, len(h.schemas))
	copy(out, h.schemas)
	return out
}

// WaitForWorkers blocks until at least min workers are connected.
func (h *Hub) WaitForWorkers(ctx context.Context, min int) error {
	for {
		h.mu.Lock()
		if len(h.conns) >= min {
			h.mu.Unlock()
			return nil
		}
		signal := h.regSignal
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
}

// WorkerInfo is the API view of one connected worker.
type WorkerInfo struct {
	WorkerID string   `json:"worker_id"`
	Tools    []string `json:"tools"`
	Status   string   `json:"status"`
	Sessions []string `json:"sessions"`
}

// WorkersInfo reports every connected worker, its tools, busy state, and
// the sessions pinned to it.
func (h *Hub) WorkersInfo() []WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(h.conns))
	for id := range h.conns {
		info := WorkerInfo{WorkerID: id, Status: "idle", Tools: []string{}, Sessions: []string{}}
		if h.outstanding[id] > 0 {
			info.Status = "busy"
		}
		for name, workers := range h.toolWorkers {
			if containsString(workers, id) {
				info.Tools = append(info.Tools, name)
			}
		}
		for sessionID, workerID := range h.affinity {
			if workerID == id {
				info.Sessions = append(info.Sessions, sessionID)
			}
		}
		sort.Strings(info.Tools)
		sort.Strings(info.Sessions)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos
}

// Start opens a standalone worker listener at addr, for running the hub
// without the full HTTP front.
func (h *Hub) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/worker", h.ServeWS)
	h.listener = &http.Server{Addr: addr, Handler: mux}

	if h.logger != nil {
		h.logger.Info(context.Background(), "hub listening", "addr", addr)
	}
	err := h.listener.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the standalone listener down and closes worker connections.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*workerConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}

	if h.listener == nil {
		return nil
	}
	return h.listener.Shutdown(ctx)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
