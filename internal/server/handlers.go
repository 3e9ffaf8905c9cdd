package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/relaymesh/relay/internal/conversation"
	"github.com/relaymesh/relay/internal/sessions"
	"github.com/relaymesh/relay/pkg/models"
)

type promptRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type createSessionRequest struct {
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// newConversation applies the configured defaults to missing fields.
func (s *Server) newConversation(model, system string, maxTokens int) *conversation.Conversation {
	if model == "" {
		model = s.cfg.Provider.DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = s.cfg.Provider.MaxTokens
	}
	return conversation.New(s.provider, conversation.Options{
		Model:     model,
		System:    system,
		MaxTokens: maxTokens,
	})
}

// loadConversation rehydrates a session transcript into a live
// conversation.
func (s *Server) loadConversation(r *http.Request, id string) (*conversation.Conversation, error) {
	session, err := s.store.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	conv := s.newConversation(session.Model, session.SystemPrompt, session.MaxTokens)
	conv.Messages = append(conv.Messages, session.Messages...)
	return conv, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.hub.WorkerCount() > 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}
	http.Error(w, "no workers connected", http.StatusServiceUnavailable)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.WorkersInfo())
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if s.hub.WorkerCount() == 0 {
		http.Error(w, "no workers connected", http.StatusServiceUnavailable)
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "missing 'prompt' field", http.StatusBadRequest)
		return
	}

	conv := s.newConversation(req.Model, req.System, req.MaxTokens)
	s.hub.RegisterToolsOn(conv, "")
	defer s.hub.Unbind(conv)

	result, err := s.runner.RunBlocking(r.Context(), conv, req.Prompt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if req.Model == "" {
		req.Model = s.cfg.Provider.DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.cfg.Provider.MaxTokens
	}

	id, err := s.store.Create(r.Context(), req.Model, req.System, req.MaxTokens)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListAll(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAll(r.Context()); err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearHistory(r.Context(), r.PathValue("id")); err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAllHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAllHistory(r.Context()); err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionPrompt(w http.ResponseWriter, r *http.Request) {
	if s.hub.WorkerCount() == 0 {
		http.Error(w, "no workers connected", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "missing 'prompt' field", http.StatusBadRequest)
		return
	}

	conv, err := s.loadConversation(r, id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.hub.RegisterToolsOn(conv, id)
	defer s.hub.Unbind(conv)

	result, err := s.runner.RunBlocking(r.Context(), conv, req.Prompt)
	saveErr := s.store.Save(r.Context(), id, conv.Messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if saveErr != nil {
		s.writeStorageError(w, saveErr)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

// messagesSnapshot copies a transcript for persistence.
func messagesSnapshot(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
