package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/agent"
	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/sessions"
)

// chatSocket runs the client chat protocol over one WebSocket. At most
// one agent task is in flight; a new message or a cancel frame stops the
// previous task first.
type chatSocket struct {
	srv       *Server
	conn      *websocket.Conn
	conv      *conversation.Conversation
	sessionID string

	writeMu sync.Mutex

	cancelTask context.CancelFunc
	taskDone   chan struct{}
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	q := r.URL.Query()
	maxTokens := 0
	if raw := q.Get("max_tokens"); raw != "" {
		maxTokens, _ = strconv.Atoi(raw)
	}
	conv := s.newConversation(q.Get("model"), q.Get("system"), maxTokens)
	s.hub.RegisterToolsOn(conv, "")
	defer s.hub.Unbind(conv)

	cs := &chatSocket{srv: s, conn: conn, conv: conv}
	cs.run(r.Context())
}

func (s *Server) handleSessionChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := r.PathValue("id")

	conv, err := s.loadConversation(r, id)
	if err != nil {
		cs := &chatSocket{srv: s, conn: conn}
		msg := "internal error"
		if err == sessions.ErrNotFound {
			msg = "session not found"
		}
		_ = cs.emit(agent.Event{Type: agent.EventError, Content: msg})
		_ = conn.Close()
		return
	}
	s.hub.RegisterToolsOn(conv, id)
	defer s.hub.Unbind(conv)

	cs := &chatSocket{srv: s, conn: conn, conv: conv, sessionID: id}
	cs.run(r.Context())
}

type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// parseClientFrame mirrors the wire contract: a JSON cancel or message
// frame, with bare text treated as a message.
func parseClientFrame(raw []byte) clientFrame {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err == nil {
		switch frame.Type {
		case "cancel":
			return clientFrame{Type: "cancel"}
		case "message":
			return frame
		}
	}
	return clientFrame{Type: "message", Content: string(raw)}
}

func (c *chatSocket) run(ctx context.Context) {
	defer c.conn.Close()
	defer c.stopTask()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame := parseClientFrame(raw)
		switch frame.Type {
		case "cancel":
			c.stopTask()
		case "message":
			if frame.Content == "" {
				continue
			}
			c.stopTask()
			c.startTask(ctx, frame.Content)
		}
	}
}

// startTask launches the agent loop for one user message.
func (c *chatSocket) startTask(ctx context.Context, content string) {
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancelTask = cancel
	c.taskDone = done

	go func() {
		defer close(done)
		err := c.srv.runner.RunStreaming(taskCtx, c.conv, content, c.emit)
		if err != nil && err != agent.ErrCancelled {
			c.srv.logger.Warn(taskCtx, "chat task failed",
				"session_id", c.sessionID, "error", err)
		}
		// Session-bound transcripts persist on every outcome, including
		// cancellation.
		if c.sessionID != "" {
			saveCtx := context.Background()
			if err := c.srv.store.Save(saveCtx, c.sessionID, messagesSnapshot(c.conv.Messages)); err != nil {
				c.srv.logger.Error(saveCtx, "failed to persist session",
					"session_id", c.sessionID, "error", err)
			}
		}
	}()
}

// stopTask cancels the in-flight task, if any, and waits for it to wind
// down so transcript mutation stays single-writer.
func (c *chatSocket) stopTask() {
	if c.cancelTask == nil {
		return
	}
	c.cancelTask()
	<-c.taskDone
	c.cancelTask = nil
	c.taskDone = nil
}

func (c *chatSocket) emit(event agent.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(event)
}
