package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/session"
)

const maxRequestBody = 1 << 20

// CreateSessionRequest is the body of POST /chat/sessions
type CreateSessionRequest struct {
	Title         string   `json:"title,omitempty"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	ContextNoteID string   `json:"contextNoteId,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Model         string   `json:"model,omitempty"`
	Provider      string   `json:"provider,omitempty"`
}

// UpdateSessionRequest is the body of PATCH /chat/sessions/{id}
type UpdateSessionRequest struct {
	Title        *string  `json:"title,omitempty"`
	SystemPrompt *string  `json:"systemPrompt,omitempty"`
	NoteContext  *string  `json:"noteContext,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	Model        *string  `json:"model,omitempty"`
	Provider     *string  `json:"provider,omitempty"`
}

// SendMessageRequest is the body of the message endpoints
type SendMessageRequest struct {
	Content      string `json:"content"`
	UseRetrieval bool   `json:"useRetrieval"`
	ShowThinking bool   `json:"showThinking"`
}

// SessionResponse is the full view of a session
type SessionResponse struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Messages     []llm.Message `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
	NoteContext  string        `json:"noteContext,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	IsStreaming  bool          `json:"isStreaming"`
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// writeChatError maps service errors to status codes and user-facing text
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrEmptyMessage):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrBusy):
		s.writeError(w, err.Error(), http.StatusConflict)
	case llm.IsConfigurationError(err):
		s.writeError(w, llm.DisabledMessage, http.StatusServiceUnavailable)
	case llm.IsProviderError(err):
		s.writeError(w, llm.ProviderErrorMessage, http.StatusBadGateway)
	default:
		log.Error("Chat request failed", "error", err)
		s.writeError(w, chat.ErrorMessage(err), http.StatusInternalServerError)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.chat.ListSessions(r.Context())
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.chat.CreateSession(r.Context(), session.CreateParams{
		Title:         req.Title,
		SystemPrompt:  req.SystemPrompt,
		ContextNoteID: req.ContextNoteID,
		Metadata: session.Metadata{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Model:       req.Model,
			Provider:    req.Provider,
		},
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":        sess.ID,
		"title":     sess.Title,
		"createdAt": sess.CreatedAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.chat.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{
		ID:           sess.ID,
		Title:        sess.Title,
		Messages:     sess.Messages,
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
		NoteContext:  sess.ContextNoteID,
		SystemPrompt: sess.SystemPrompt,
		IsStreaming:  sess.IsStreaming,
	})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.chat.UpdateSession(r.Context(), mux.Vars(r)["id"], chat.SessionUpdate{
		Title:         req.Title,
		SystemPrompt:  req.SystemPrompt,
		ContextNoteID: req.NoteContext,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Model:         req.Model,
		Provider:      req.Provider,
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":        sess.ID,
		"title":     sess.Title,
		"updatedAt": sess.LastActiveAt,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.chat.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Session not found"})
			return
		}
		s.writeChatError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session deleted"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reply, err := s.chat.Send(r.Context(), chat.Request{
		SessionID:    mux.Vars(r)["id"],
		Content:      req.Content,
		UseRetrieval: req.UseRetrieval,
		ShowThinking: req.ShowThinking,
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	resp := map[string]any{
		"content": reply.Content,
		"sources": reply.Sources,
	}
	if reply.Thinking != "" {
		resp["thinking"] = reply.Thinking
	}
	if reply.Truncated {
		resp["truncated"] = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.chat.Cancel(mux.Vars(r)["id"])
	s.writeJSON(w, http.StatusOK, map[string]any{"success": cancelled})
}
