package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
	"github.com/entrepeneur4lyf/notechat/internal/llm/llmtest"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
	"github.com/entrepeneur4lyf/notechat/internal/session"
)

func newTestServer(t *testing.T, handler *llmtest.Handler) (*httptest.Server, *lockedWriter) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Shutdown)

	var pipeline *chat.Pipeline
	if handler != nil {
		pipeline = chat.NewPipeline(handler, nil, nil, agent.NewToolLoop(handler, nil), chat.PipelineConfig{})
	} else {
		pipeline = chat.NewPipeline(nil, nil, nil, nil, chat.PipelineConfig{})
	}
	svc := chat.NewService(session.NewStore(), pipeline, chat.WithEventBus(bus))

	accessLog := &lockedWriter{w: &bytes.Buffer{}}
	srv := NewServer(svc, WithEventBus(bus), WithAccessLog(accessLog))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
	})
	return ts, accessLog
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.String()
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createSession(t *testing.T, base string, body any) string {
	t.Helper()
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, base+"/api/v1/chat/sessions", body, &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestSessionLifecycle(t *testing.T) {
	ts, accessLog := newTestServer(t, llmtest.NewHandler(llmtest.Response{Text: "ok"}))
	base := ts.URL + "/api/v1/chat/sessions"

	id := createSession(t, ts.URL, map[string]any{"title": "Research", "contextNoteId": "devops", "temperature": 0.2})

	var got SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/"+id, nil, &got))
	assert.Equal(t, "Research", got.Title)
	assert.Equal(t, "devops", got.NoteContext)
	assert.Empty(t, got.Messages)

	var updated map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPatch, base+"/"+id, map[string]any{"title": "Renamed", "noteContext": ""}, &updated))
	assert.Equal(t, "Renamed", updated["title"])
	assert.NotEmpty(t, updated["updatedAt"])

	createSession(t, ts.URL, nil)
	var list []session.Summary
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base, nil, &list))
	require.Len(t, list, 2)

	var deleted map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, base+"/"+id, nil, &deleted))
	assert.Equal(t, true, deleted["success"])
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, base+"/"+id, nil, &deleted))
	assert.Equal(t, false, deleted["success"])

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, base+"/"+id, nil, &errBody))
	assert.Equal(t, "Session not found", errBody["error"])

	assert.Eventually(t, func() bool {
		return strings.Contains(accessLog.String(), "method=POST path=/api/v1/chat/sessions status=201")
	}, time.Second, 10*time.Millisecond)
}

func TestSendMessageBuffered(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Text: "Containers isolate processes."}))
	id := createSession(t, ts.URL, nil)

	var reply map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/"+id+"/messages", map[string]any{"content": "What are containers?"}, &reply)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Containers isolate processes.", reply["content"])
	assert.Equal(t, []any{}, reply["sources"])

	var got SessionResponse
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/chat/sessions/"+id, nil, &got)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "What are containers?", got.Title)
}

type staticRetriever []retrieval.Item

func (r staticRetriever) FindRelevant(context.Context, []string, string, int, bool) []retrieval.Item {
	return r
}

func TestSendMessageReturnsSources(t *testing.T) {
	handler := llmtest.NewHandler()
	handler.Respond = func([]llm.Message, llm.ChatOptions) llmtest.Response {
		return llmtest.Response{Text: "Containers share the kernel."}
	}
	notes := staticRetriever{{EntityID: "docker", Title: "Docker Basics", Content: "Containers share the host kernel.", Similarity: 0.9}}
	pipeline := chat.NewPipeline(handler, query.NewProcessor(handler), notes, agent.NewToolLoop(handler, nil), chat.PipelineConfig{})
	srv := NewServer(chat.NewService(session.NewStore(), pipeline))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
	})
	id := createSession(t, ts.URL, nil)

	var reply map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/"+id+"/messages", map[string]any{"content": "What are containers?", "useRetrieval": true}, &reply)
	require.Equal(t, http.StatusOK, code)
	sources, ok := reply["sources"].([]any)
	require.True(t, ok, "sources: %v", reply["sources"])
	require.Len(t, sources, 1)
	assert.Equal(t, map[string]any{"entityId": "docker", "title": "Docker Basics", "similarity": 0.9}, sources[0])
}

func TestSendMessageErrors(t *testing.T) {
	failing := llmtest.NewHandler(llmtest.Response{OpenErr: errors.New("connection refused")})
	ts, _ := newTestServer(t, failing)
	id := createSession(t, ts.URL, nil)

	var body map[string]string
	code := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/"+id+"/messages", map[string]any{"content": "hi"}, &body)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, llm.ProviderErrorMessage, body["error"])

	code = doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/"+id+"/messages", map[string]any{"content": ""}, &body)
	assert.Equal(t, http.StatusBadRequest, code)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/nope/messages", map[string]any{"content": "hi"}, &body)
	assert.Equal(t, http.StatusNotFound, code)

	unconfigured, _ := newTestServer(t, nil)
	id = createSession(t, unconfigured.URL, nil)
	code = doJSON(t, http.MethodPost, unconfigured.URL+"/api/v1/chat/sessions/"+id+"/messages", map[string]any{"content": "hi"}, &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, llm.DisabledMessage, body["error"])
}

func readSSE(t *testing.T, r io.Reader) []chat.StreamChunk {
	t.Helper()
	var chunks []chat.StreamChunk
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var c chat.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c))
		chunks = append(chunks, c)
	}
	return chunks
}

func TestStreamMessageSSE(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Deltas: []string{"Con", "tainers"}}))
	id := createSession(t, ts.URL, nil)

	resp, err := http.Post(ts.URL+"/api/v1/chat/sessions/"+id+"/messages/stream", "application/json", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	chunks := readSSE(t, resp.Body)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Con", chunks[0].Content)
	assert.Equal(t, "tainers", chunks[1].Content)
	last := chunks[2]
	assert.True(t, last.Done)
	assert.Equal(t, "Containers", last.Content)
	assert.Equal(t, id, last.SessionID)
}

func TestStreamProviderErrorEndsWithDone(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Deltas: []string{"par"}, StreamErr: errors.New("reset")}))
	id := createSession(t, ts.URL, nil)

	resp, err := http.Post(ts.URL+"/api/v1/chat/sessions/"+id+"/messages/stream", "application/json", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	chunks := readSSE(t, resp.Body)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "par", last.Content)
	assert.Equal(t, llm.ProviderErrorMessage, last.Error)
}

func TestCancelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Deltas: []string{"thinking..."}, Block: true}))
	id := createSession(t, ts.URL, nil)

	resp, err := http.Post(ts.URL+"/api/v1/chat/sessions/"+id+"/messages/stream", "application/json", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var cancelled map[string]bool
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat/sessions/"+id+"/cancel", nil, &cancelled))
	assert.True(t, cancelled["success"])

	chunks := readSSE(t, reader)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "thinking...", last.Content)
}

func TestWebSocketChat(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Deltas: []string{"Hello", " there"}}))
	id := createSession(t, ts.URL, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "eventId": "p1"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "chat_message",
		"eventId": "e1",
		"data":    map[string]any{"sessionId": id, "content": "hi"},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawPong bool
	var final chat.StreamChunk
	for !final.Done {
		var msg struct {
			Type    string          `json:"type"`
			EventID string          `json:"eventId"`
			Data    json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case "pong":
			sawPong = true
		case "chat_chunk":
			assert.Equal(t, "e1", msg.EventID)
			require.NoError(t, json.Unmarshal(msg.Data, &final))
		}
	}
	assert.True(t, sawPong)
	assert.Equal(t, "Hello there", final.Content)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCORSAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chat/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	var health map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestEventsSSE(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.NewHandler(llmtest.Response{Text: "ok"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	waitFor := func(prefix string) string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, prefix) {
				return line
			}
		}
	}
	waitFor("event: connected")

	createSession(t, ts.URL, map[string]any{"title": "Watched"})
	line := waitFor("event: ")
	assert.Equal(t, "event: session.created\n", line)
	assert.Contains(t, waitFor("data: "), "Watched")
}
