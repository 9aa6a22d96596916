package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/events"
)

const sseKeepAlive = 15 * time.Second

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeSSEEvent writes an SSE event to the response writer
func writeSSEEvent(w http.ResponseWriter, event SSEEvent) error {
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if event.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
			return err
		}
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		_, writeErr := fmt.Fprint(w, "data: {\"error\": \"Failed to serialize data\"}\n\n")
		return writeErr
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleStreamMessage runs a streaming turn and relays every chunk as an
// SSE data line. The last line always has done=true.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	sessionID := mux.Vars(r)["id"]

	transport, err := s.chat.Stream(r.Context(), chat.Request{
		SessionID:    sessionID,
		Content:      req.Content,
		UseRetrieval: req.UseRetrieval,
		ShowThinking: req.ShowThinking,
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	defer transport.Close()

	flusher, ok := startSSE(w)
	if !ok {
		transport.Cancel()
		s.writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range transport.Chunks() {
		if err := writeSSEEvent(w, SSEEvent{Data: chunk}); err != nil {
			log.Warn("Client went away during stream", "session", sessionID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleEventsSSE relays session, turn and tool events. The optional
// sessionId query parameter narrows the feed to one session.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, "Event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		s.writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	var filters []events.EventFilter
	if id := r.URL.Query().Get("sessionId"); id != "" {
		filters = append(filters, events.FilterBySessionID(id))
	}
	sessions := s.bus.Sessions.Subscribe(ctx, filters...)
	turns := s.bus.Turns.Subscribe(ctx, filters...)
	tools := s.bus.Tools.Subscribe(ctx, filters...)

	if err := writeSSEEvent(w, SSEEvent{Event: "connected", Data: map[string]any{"timestamp": time.Now().Unix()}}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		var event SSEEvent
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case e, ok := <-sessions:
			if !ok {
				return
			}
			event = SSEEvent{ID: e.ID, Event: string(e.Type), Data: e}
		case e, ok := <-turns:
			if !ok {
				return
			}
			event = SSEEvent{ID: e.ID, Event: string(e.Type), Data: e}
		case e, ok := <-tools:
			if !ok {
				return
			}
			event = SSEEvent{ID: e.ID, Event: string(e.Type), Data: e}
		}
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}
}
