package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// WebSocketMessage is the envelope for both directions
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	EventID string          `json:"eventId,omitempty"`
}

type outgoingMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

type chatMessageData struct {
	SessionID    string `json:"sessionId"`
	Content      string `json:"content"`
	UseRetrieval bool   `json:"useRetrieval"`
	ShowThinking bool   `json:"showThinking"`
}

// ChatWebSocketClient is one websocket connection. It may run turns for
// several sessions.
type ChatWebSocketClient struct {
	id     string
	conn   *websocket.Conn
	send   chan outgoingMessage
	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ConnectionManager tracks live websocket clients
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[string]*ChatWebSocketClient
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{clients: make(map[string]*ChatWebSocketClient)}
}

func (cm *ConnectionManager) add(c *ChatWebSocketClient) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[c.id] = c
}

func (cm *ConnectionManager) remove(c *ChatWebSocketClient) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.clients, c.id)
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return map[string]any{"chat_connections": len(cm.clients)}
}

// CloseAll disconnects every client
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	clients := make([]*ChatWebSocketClient, 0, len(cm.clients))
	for _, c := range cm.clients {
		clients = append(clients, c)
	}
	cm.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// handleChatWebSocket upgrades the connection and serves chat turns on it
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &ChatWebSocketClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan outgoingMessage, wsSendBuffer),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}
	s.connectionManager.add(client)
	log.Debug("WebSocket client connected", "client", client.id)

	go client.writePump()
	go client.readPump()
}

func (c *ChatWebSocketClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.server.connectionManager.remove(c)
		c.conn.Close()
	})
}

// readPump handles incoming messages until the connection drops
func (c *ChatWebSocketClient) readPump() {
	defer func() {
		c.close()
		c.wg.Wait()
		log.Debug("WebSocket client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(maxRequestBody)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump serializes writes to the connection
func (c *ChatWebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(message); err != nil {
				log.Warn("WebSocket write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *ChatWebSocketClient) handleMessage(msg WebSocketMessage) {
	switch msg.Type {
	case "chat_message":
		c.handleChatMessage(msg)
	case "cancel":
		var data chatMessageData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.SessionID == "" {
			c.sendError("Missing sessionId", msg.EventID)
			return
		}
		c.sendMessage(outgoingMessage{Type: "cancel_ack", EventID: msg.EventID, Data: map[string]any{
			"sessionId": data.SessionID,
			"cancelled": c.server.chat.Cancel(data.SessionID),
		}})
	case "ping":
		c.sendMessage(outgoingMessage{Type: "pong", EventID: msg.EventID})
	default:
		c.sendError("Unknown message type", msg.EventID)
	}
}

// handleChatMessage starts a streaming turn and relays its chunks
func (c *ChatWebSocketClient) handleChatMessage(msg WebSocketMessage) {
	var data chatMessageData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.sendError("Invalid message data", msg.EventID)
		return
	}
	if data.SessionID == "" || data.Content == "" {
		c.sendError("Missing sessionId or content", msg.EventID)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		transport, err := c.server.chat.Stream(c.ctx, chat.Request{
			SessionID:    data.SessionID,
			Content:      data.Content,
			UseRetrieval: data.UseRetrieval,
			ShowThinking: data.ShowThinking,
		})
		if err != nil {
			c.sendError(chat.ErrorMessage(err), msg.EventID)
			return
		}
		defer transport.Close()

		c.sendMessage(outgoingMessage{Type: "message_received", EventID: msg.EventID, Data: map[string]any{
			"sessionId": data.SessionID,
			"timestamp": time.Now(),
		}})
		for chunk := range transport.Chunks() {
			if !c.sendMessage(outgoingMessage{Type: "chat_chunk", EventID: msg.EventID, Data: chunk}) {
				return
			}
		}
	}()
}

// sendMessage queues a message. It reports false once the client is gone.
func (c *ChatWebSocketClient) sendMessage(msg outgoingMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *ChatWebSocketClient) sendError(message, eventID string) {
	c.sendMessage(outgoingMessage{Type: "error", Error: message, EventID: eventID})
}
