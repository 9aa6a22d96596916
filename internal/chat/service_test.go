package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
	"github.com/entrepeneur4lyf/notechat/internal/llm/llmtest"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
	"github.com/entrepeneur4lyf/notechat/internal/session"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

type keywordEmbedder struct {
	ids  map[string]float32
	fail bool
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding backend unavailable")
	}
	return []float32{e.ids[text]}, nil
}

type tableSearch struct {
	results map[float32][]vectordb.Match
}

func (s *tableSearch) FindSimilar(_ context.Context, embedding []float32, _ vectordb.SearchOptions) ([]vectordb.Match, error) {
	return s.results[embedding[0]], nil
}

type echoTool struct{}

func (echoTool) Info() tools.ToolInfo {
	return tools.ToolInfo{Name: "search_notes", Description: "search", Parameters: map[string]any{"query": map[string]any{"type": "string"}}}
}

func (echoTool) Run(_ context.Context, call tools.ToolCall) (tools.ToolResponse, error) {
	return tools.NewTextResponse(`[{"noteId":"docker","title":"Docker Basics"}]`), nil
}

func isQueryPrompt(messages []llm.Message) bool {
	return len(messages) > 0 && messages[0].Role == llm.RoleSystem &&
		strings.Contains(messages[0].Content, "generate 3-5 specific search queries")
}

// scripted answers query-generation calls with queries and every other call
// from the chat script in order
func scripted(queries string, script ...llmtest.Response) *llmtest.Handler {
	h := llmtest.NewHandler()
	turn := 0
	h.Respond = func(messages []llm.Message, _ llm.ChatOptions) llmtest.Response {
		if isQueryPrompt(messages) {
			return llmtest.Response{Text: queries}
		}
		if len(script) == 0 {
			return llmtest.Response{}
		}
		r := script[min(turn, len(script)-1)]
		turn++
		return r
	}
	return h
}

func chatCalls(h *llmtest.Handler) []llmtest.Call {
	var out []llmtest.Call
	for _, c := range h.Calls() {
		if !isQueryPrompt(c.Messages) {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	handler *llmtest.Handler
	store   *session.Store
	service *Service
	bus     *events.Bus
}

func newFixture(t *testing.T, handler *llmtest.Handler, retriever Retriever, registry *tools.ToolRegistry, opts ...ServiceOption) *fixture {
	t.Helper()
	store := session.NewStore()
	bus := events.NewBus()
	t.Cleanup(bus.Shutdown)

	pipeline := NewPipeline(handler, query.NewProcessor(handler), retriever, agent.NewToolLoop(handler, registry), PipelineConfig{})
	opts = append([]ServiceOption{WithEventBus(bus)}, opts...)
	return &fixture{
		handler: handler,
		store:   store,
		service: NewService(store, pipeline, opts...),
		bus:     bus,
	}
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	sess, err := f.service.CreateSession(context.Background(), session.CreateParams{})
	require.NoError(t, err)
	return sess.ID
}

func drain(t *testing.T, tr *Transport) (chunks []StreamChunk, final StreamChunk) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-tr.Chunks():
			if !ok {
				return chunks, final
			}
			if c.Done {
				final = c
			} else {
				chunks = append(chunks, c)
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func dockerRetriever() Retriever {
	embedder := &keywordEmbedder{ids: map[string]float32{"docker containers": 1, "containers vs virtual machines": 2}}
	search := &tableSearch{results: map[float32][]vectordb.Match{
		1: {{Note: vectordb.Note{ID: "docker", Title: "Docker Basics", Content: "Containers share the host kernel."}, Similarity: 0.9}},
		2: {
			{Note: vectordb.Note{ID: "vms", Title: "Containers vs VMs", Content: "VMs virtualize hardware."}, Similarity: 0.8},
			{Note: vectordb.Note{ID: "docker", Title: "Docker Basics", Content: "Containers share the host kernel."}, Similarity: 0.6},
		},
	}}
	return retrieval.NewService(embedder, search)
}

func TestRetrievalScenario(t *testing.T) {
	h := scripted(`["docker containers", "containers vs virtual machines"]`, llmtest.Response{Text: "Containers package apps."})
	f := newFixture(t, h, dockerRetriever(), nil)
	id := f.newSession(t)

	reply, err := f.service.Send(context.Background(), Request{SessionID: id, Content: "What are Docker containers?", UseRetrieval: true})
	require.NoError(t, err)

	assert.Equal(t, "Containers package apps.", reply.Content)
	require.Len(t, reply.Sources, 2)
	assert.Equal(t, Source{EntityID: "docker", Title: "Docker Basics", Similarity: 0.9}, reply.Sources[0])
	assert.Equal(t, Source{EntityID: "vms", Title: "Containers vs VMs", Similarity: 0.8}, reply.Sources[1])

	calls := chatCalls(h)
	require.Len(t, calls, 1)
	system := calls[0].Messages[0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "Docker Basics")
	assert.Contains(t, system.Content, "Containers vs VMs")

	// context goes to the provider only, never into the transcript
	sess, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "What are Docker containers?", sess.Messages[0].Content)
	assert.Equal(t, "Containers package apps.", sess.Messages[1].Content)
}

func TestSourcesListOnlyNotesInContext(t *testing.T) {
	embedder := &keywordEmbedder{ids: map[string]float32{"docker containers": 1}}
	search := &tableSearch{results: map[float32][]vectordb.Match{
		1: {
			{Note: vectordb.Note{ID: "a", Title: "Alpha", Content: strings.Repeat("alpha ", 1200)}, Similarity: 0.9},
			{Note: vectordb.Note{ID: "b", Title: "Beta", Content: strings.Repeat("beta ", 1400)}, Similarity: 0.8},
			{Note: vectordb.Note{ID: "c", Title: "Gamma", Content: strings.Repeat("gamma ", 1200)}, Similarity: 0.7},
		},
	}}
	h := scripted(`["docker containers"]`, llmtest.Response{Text: "Answer."})
	f := newFixture(t, h, retrieval.NewService(embedder, search), nil)
	id := f.newSession(t)

	reply, err := f.service.Send(context.Background(), Request{SessionID: id, Content: "What are Docker containers?", UseRetrieval: true})
	require.NoError(t, err)
	require.Len(t, reply.Sources, 2)
	assert.Equal(t, "a", reply.Sources[0].EntityID)
	assert.Equal(t, "b", reply.Sources[1].EntityID)

	calls := chatCalls(h)
	require.Len(t, calls, 1)
	system := calls[0].Messages[0].Content
	assert.Contains(t, system, "Beta")
	assert.NotContains(t, system, "Gamma")
	assert.NotContains(t, system, "[Context truncated]")
}

func TestRetrievalFailureFallsBack(t *testing.T) {
	h := scripted(`["docker"]`, llmtest.Response{Text: "General answer."})
	retriever := retrieval.NewService(&keywordEmbedder{fail: true}, &tableSearch{})
	f := newFixture(t, h, retriever, nil)
	id := f.newSession(t)

	reply, err := f.service.Send(context.Background(), Request{SessionID: id, Content: "What are Docker containers?", UseRetrieval: true})
	require.NoError(t, err)
	assert.Equal(t, "General answer.", reply.Content)
	assert.Empty(t, reply.Sources)
	assert.NotNil(t, reply.Sources)

	calls := chatCalls(h)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "couldn't find any specific notes")
}

func TestToolRoundRecordsOneAssistantMessage(t *testing.T) {
	h := scripted("[]",
		llmtest.Response{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search_notes", Arguments: `{"query":"docker"}`}}},
		llmtest.Response{Text: "Docker Basics explains it."},
	)
	f := newFixture(t, h, nil, tools.NewToolRegistry(echoTool{}))
	id := f.newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toolEvents := f.bus.Tools.Subscribe(ctx, events.FilterBySessionID(id))

	reply, err := f.service.Send(context.Background(), Request{SessionID: id, Content: "What is Docker?"})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.ToolRounds)
	assert.Equal(t, "Docker Basics explains it.", reply.Content)

	sess, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, llm.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, sess.Messages[1].Role)
	assert.Empty(t, sess.Messages[1].ToolCalls)

	select {
	case e := <-toolEvents:
		assert.Equal(t, "search_notes", e.Payload.Tool)
		assert.False(t, e.Payload.Failed)
	case <-time.After(time.Second):
		t.Fatal("no tool event")
	}
}

func TestStreamingMatchesBuffered(t *testing.T) {
	script := []llmtest.Response{
		{Deltas: []string{"Looking"}, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "search_notes", Arguments: `{"query":"docker"}`}}},
		{Deltas: []string{"Docker ", "packages ", "apps."}},
	}

	buffered := newFixture(t, scripted("[]", script...), nil, tools.NewToolRegistry(echoTool{}))
	bufferedID := buffered.newSession(t)
	reply, err := buffered.service.Send(context.Background(), Request{SessionID: bufferedID, Content: "What is Docker?"})
	require.NoError(t, err)

	streamed := newFixture(t, scripted("[]", script...), nil, tools.NewToolRegistry(echoTool{}))
	streamedID := streamed.newSession(t)
	tr, err := streamed.service.Stream(context.Background(), Request{SessionID: streamedID, Content: "What is Docker?"})
	require.NoError(t, err)
	chunks, final := drain(t, tr)

	var text strings.Builder
	var sawTool bool
	for _, c := range chunks {
		assert.Equal(t, streamedID, c.SessionID)
		text.WriteString(c.Content)
		if c.ToolExecution != nil {
			sawTool = true
		}
	}

	assert.Equal(t, "Docker packages apps.", reply.Content)
	assert.Equal(t, reply.Content, final.Content)
	assert.Equal(t, reply.Content, text.String())
	assert.True(t, final.Done)
	assert.Empty(t, final.Error)
	assert.True(t, sawTool)

	got, err := tr.Wait()
	require.NoError(t, err)
	assert.Equal(t, reply.Content, got.Content)
}

func TestStreamShowsThinking(t *testing.T) {
	h := scripted(`["docker containers"]`, llmtest.Response{Text: "ok"})
	f := newFixture(t, h, dockerRetriever(), nil)
	id := f.newSession(t)

	tr, err := f.service.Stream(context.Background(), Request{SessionID: id, Content: "What are Docker containers?", UseRetrieval: true, ShowThinking: true})
	require.NoError(t, err)
	chunks, final := drain(t, tr)

	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Thinking, "## Query Processing")
	assert.Contains(t, chunks[0].Thinking, "Docker Basics")
	assert.Equal(t, "ok", final.Content)
	require.Len(t, final.Sources, 1)
}

func TestTitleFromFirstMessage(t *testing.T) {
	h := scripted("[]", llmtest.Response{Text: "Sure."})
	f := newFixture(t, h, nil, nil)
	ctx := context.Background()

	id := f.newSession(t)
	_, err := f.service.Send(ctx, Request{SessionID: id, Content: "Explain the differences between threads and processes\nin detail"})
	require.NoError(t, err)
	sess, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Explain the differences bet...", sess.Title)

	_, err = f.service.Send(ctx, Request{SessionID: id, Content: "Another question"})
	require.NoError(t, err)
	sess, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Explain the differences bet...", sess.Title)

	named, err := f.service.CreateSession(ctx, session.CreateParams{Title: "Kubernetes"})
	require.NoError(t, err)
	_, err = f.service.Send(ctx, Request{SessionID: named.ID, Content: "Short"})
	require.NoError(t, err)
	sess, err = f.store.Get(ctx, named.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kubernetes", sess.Title)
}

func TestCancelStreamingTurn(t *testing.T) {
	h := scripted("[]", llmtest.Response{Deltas: []string{"partial answer"}, Block: true})
	f := newFixture(t, h, nil, nil)
	id := f.newSession(t)

	tr, err := f.service.Stream(context.Background(), Request{SessionID: id, Content: "Tell me a long story"})
	require.NoError(t, err)

	select {
	case c := <-tr.Chunks():
		assert.Equal(t, "partial answer", c.Content)
		assert.False(t, c.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("no delta")
	}
	assert.True(t, f.service.Cancel(id))

	_, final := drain(t, tr)
	assert.True(t, final.Done)
	assert.Equal(t, "partial answer", final.Content)
	assert.Empty(t, final.Error)

	_, err = tr.Wait()
	require.NoError(t, err)

	sess, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "partial answer", sess.Messages[1].Content)
	assert.False(t, sess.IsStreaming)
}

func TestProviderErrorKeepsOnlyUserMessage(t *testing.T) {
	t.Run("buffered", func(t *testing.T) {
		h := scripted("[]", llmtest.Response{Deltas: []string{"Docker cont"}, StreamErr: errors.New("timeout")})
		f := newFixture(t, h, nil, nil)
		id := f.newSession(t)

		_, err := f.service.Send(context.Background(), Request{SessionID: id, Content: "What are Docker containers?"})
		require.Error(t, err)
		assert.True(t, llm.IsProviderError(err))
		assert.Equal(t, llm.ProviderErrorMessage, ErrorMessage(err))

		sess, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 1)
		assert.Equal(t, llm.RoleUser, sess.Messages[0].Role)
		assert.Equal(t, "What are Docker containers?", sess.Messages[0].Content)
		assert.False(t, sess.IsStreaming)
	})

	t.Run("streaming", func(t *testing.T) {
		h := scripted("[]", llmtest.Response{OpenErr: errors.New("401 unauthorized")})
		f := newFixture(t, h, nil, nil)
		id := f.newSession(t)

		tr, err := f.service.Stream(context.Background(), Request{SessionID: id, Content: "Question"})
		require.NoError(t, err)
		_, final := drain(t, tr)
		assert.True(t, final.Done)
		assert.Equal(t, llm.ProviderErrorMessage, final.Error)

		_, err = tr.Wait()
		assert.True(t, llm.IsProviderError(err))

		sess, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 1)
		assert.Equal(t, llm.RoleUser, sess.Messages[0].Role)
	})
}

func TestTurnRejectedBeforeStart(t *testing.T) {
	ctx := context.Background()

	disabled := newFixture(t, scripted("[]"), nil, nil, WithEnabled(false))
	id := disabled.newSession(t)
	_, err := disabled.service.Send(ctx, Request{SessionID: id, Content: "hi"})
	assert.True(t, llm.IsConfigurationError(err))
	assert.Equal(t, llm.DisabledMessage, ErrorMessage(err))
	sess, err := disabled.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)

	store := session.NewStore()
	noProvider := NewService(store, NewPipeline(nil, nil, nil, nil, PipelineConfig{}))
	_, err = noProvider.Stream(ctx, Request{SessionID: "x", Content: "hi"})
	assert.True(t, llm.IsConfigurationError(err))

	f := newFixture(t, scripted("[]"), nil, nil)
	_, err = f.service.Send(ctx, Request{SessionID: f.newSession(t), Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = f.service.Send(ctx, Request{SessionID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionOptionsReachProvider(t *testing.T) {
	h := scripted("[]", llmtest.Response{Text: "ok"})
	f := newFixture(t, h, nil, nil, WithDefaultOptions(llm.ChatOptions{Model: "default-model", MaxTokens: 1000}))
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, session.CreateParams{SystemPrompt: "Answer in French."})
	require.NoError(t, err)
	model := "session-model"
	temp := 0.1
	_, err = f.service.UpdateSession(ctx, sess.ID, SessionUpdate{Model: &model, Temperature: &temp})
	require.NoError(t, err)

	_, err = f.service.Send(ctx, Request{SessionID: sess.ID, Content: "hi"})
	require.NoError(t, err)

	calls := chatCalls(h)
	require.Len(t, calls, 1)
	assert.Equal(t, "session-model", calls[0].Options.Model)
	assert.Equal(t, 1000, calls[0].Options.MaxTokens)
	require.NotNil(t, calls[0].Options.Temperature)
	assert.Equal(t, 0.1, *calls[0].Options.Temperature)
	assert.Equal(t, "Answer in French.", calls[0].Messages[0].Content)
}

func TestSessionEvents(t *testing.T) {
	f := newFixture(t, scripted("[]", llmtest.Response{Text: "ok"}), nil, nil)
	ctx := context.Background()

	sess, err := f.service.CreateSession(ctx, session.CreateParams{Title: "Notes"})
	require.NoError(t, err)
	_, err = f.service.Send(ctx, Request{SessionID: sess.ID, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, f.service.DeleteSession(ctx, sess.ID))

	created := f.bus.Sessions.History(events.FilterByType(events.SessionCreated))
	require.Len(t, created, 1)
	assert.Equal(t, "Notes", created[0].Payload.Title)
	assert.Len(t, f.bus.Sessions.History(events.FilterByType(events.SessionDeleted)), 1)

	turns := f.bus.Turns.History(events.FilterBySessionID(sess.ID))
	require.Len(t, turns, 2)
	assert.Equal(t, events.TurnStarted, turns[0].Type)
	assert.Equal(t, events.TurnCompleted, turns[1].Type)

	_, err = f.store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestConcurrentSessions(t *testing.T) {
	f := newFixture(t, scripted("[]", llmtest.Response{Text: "ok"}), nil, nil)
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = f.newSession(t)
	}

	errs := make(chan error, len(ids)*2)
	for _, id := range ids {
		for range 2 {
			go func() {
				_, err := f.service.Send(ctx, Request{SessionID: id, Content: "hi"})
				errs <- err
			}()
		}
	}
	for range len(ids) * 2 {
		require.NoError(t, <-errs)
	}

	for _, id := range ids {
		sess, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 4)
		for i, m := range sess.Messages {
			if i%2 == 0 {
				assert.Equal(t, llm.RoleUser, m.Role)
			} else {
				assert.Equal(t, llm.RoleAssistant, m.Role)
			}
		}
	}
	assert.False(t, f.service.IsBusy())
}
