package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/llmtest"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
)

type stubTool struct {
	name  string
	run   func(ctx context.Context, call tools.ToolCall) (tools.ToolResponse, error)
	mu    sync.Mutex
	calls []tools.ToolCall
}

func (s *stubTool) Info() tools.ToolInfo {
	return tools.ToolInfo{Name: s.name, Parameters: map[string]any{}}
}

func (s *stubTool) Run(ctx context.Context, call tools.ToolCall) (tools.ToolResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return s.run(ctx, call)
}

func textTool(name, content string) *stubTool {
	return &stubTool{name: name, run: func(context.Context, tools.ToolCall) (tools.ToolResponse, error) {
		return tools.NewTextResponse(content), nil
	}}
}

func searchCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: tools.SearchNotesToolName, Arguments: `{"query":"docker"}`}
}

func collect(events *[]Event) Deliver {
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
	}
}

func deltas(events []Event) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e.Delta)
	}
	return b.String()
}

func userMessages(q string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: q}}
}

func TestRunWithoutToolCalls(t *testing.T) {
	handler := llmtest.NewHandler(llmtest.Response{Deltas: []string{"Docker ", "packages ", "apps."}})
	loop := NewToolLoop(handler, tools.NewToolRegistry(textTool(tools.SearchNotesToolName, "[]")))

	result, err := loop.Run(context.Background(), userMessages("What is Docker?"), llm.ChatOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Docker packages apps.", result.Text)
	assert.Equal(t, 0, result.ToolRounds)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.Truncated)
	assert.Empty(t, result.Messages)

	calls := handler.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Options.Tools, 1)
	assert.Equal(t, tools.SearchNotesToolName, calls[0].Options.Tools[0].Name)
}

func TestRunSingleToolRound(t *testing.T) {
	search := textTool(tools.SearchNotesToolName, `[{"noteId":"docker","title":"Docker Basics"}]`)
	handler := llmtest.NewHandler(
		llmtest.Response{Text: "Let me check.", ToolCalls: []llm.ToolCall{searchCall("call_1")}},
		llmtest.Response{Deltas: []string{"According to ", "Docker Basics..."}},
	)
	loop := NewToolLoop(handler, tools.NewToolRegistry(search))

	var events []Event
	result, err := loop.Run(context.Background(), userMessages("What is Docker?"), llm.ChatOptions{}, collect(&events))
	require.NoError(t, err)

	assert.Equal(t, "According to Docker Basics...", result.Text)
	assert.Equal(t, 1, result.ToolRounds)
	assert.Equal(t, 2, result.Iterations)

	require.Len(t, result.Messages, 2)
	assert.Equal(t, llm.RoleAssistant, result.Messages[0].Role)
	assert.Equal(t, "Let me check.", result.Messages[0].Content)
	require.Len(t, result.Messages[0].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, result.Messages[1].Role)
	assert.Equal(t, "call_1", result.Messages[1].ToolCallID)

	require.Len(t, search.calls, 1)
	assert.JSONEq(t, `{"query":"docker"}`, search.calls[0].Input)

	// intermediate round text is never streamed
	assert.Equal(t, "According to Docker Basics...", deltas(events))

	var actions []string
	for _, e := range events {
		if e.ToolExecution != nil {
			actions = append(actions, e.ToolExecution.Action)
		}
	}
	assert.Equal(t, []string{ActionStart, ActionComplete}, actions)

	second := handler.Calls()[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleTool, second[2].Role)
}

func TestRunNeverExceedsCeiling(t *testing.T) {
	search := textTool(tools.SearchNotesToolName, `[{"noteId":"a"}]`)
	handler := llmtest.NewHandler()
	round := 0
	handler.Respond = func([]llm.Message, llm.ChatOptions) llmtest.Response {
		round++
		return llmtest.Response{Text: "thinking " + string(rune('0'+round)), ToolCalls: []llm.ToolCall{searchCall("")}}
	}

	for _, ceiling := range []int{1, 3, DefaultMaxIterations} {
		t.Run("ceiling", func(t *testing.T) {
			round = 0
			before := len(handler.Calls())
			loop := NewToolLoop(handler, tools.NewToolRegistry(search), WithMaxIterations(ceiling))

			var events []Event
			result, err := loop.Run(context.Background(), userMessages("q"), llm.ChatOptions{}, collect(&events))
			require.NoError(t, err)

			assert.Equal(t, ceiling, len(handler.Calls())-before)
			assert.True(t, result.Truncated)
			assert.Equal(t, ceiling-1, result.ToolRounds)
			assert.Equal(t, "thinking "+string(rune('0'+ceiling)), result.Text)
			assert.Equal(t, result.Text, deltas(events))
		})
	}
}

func TestRunIsolatesFailingTools(t *testing.T) {
	failing := &stubTool{name: tools.ReadNoteToolName, run: func(context.Context, tools.ToolCall) (tools.ToolResponse, error) {
		return tools.ToolResponse{}, errors.New("disk unavailable")
	}}
	panicking := &stubTool{name: "explode", run: func(context.Context, tools.ToolCall) (tools.ToolResponse, error) {
		panic("boom")
	}}
	search := textTool(tools.SearchNotesToolName, `[{"noteId":"a"}]`)

	handler := llmtest.NewHandler(
		llmtest.Response{ToolCalls: []llm.ToolCall{
			{ID: "1", Name: tools.ReadNoteToolName, Arguments: `{"noteId":"a"}`},
			{ID: "2", Name: "explode"},
			{ID: "3", Name: "missing_tool"},
			searchCall("4"),
		}},
		llmtest.Response{Text: "done"},
	)
	loop := NewToolLoop(handler, tools.NewToolRegistry(search, failing, panicking))

	var events []Event
	result, err := loop.Run(context.Background(), userMessages("q"), llm.ChatOptions{}, collect(&events))
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)

	require.Len(t, result.Messages, 5)
	results := result.Messages[1:]
	assert.True(t, strings.HasPrefix(results[0].Content, "Error: disk unavailable\nTOOL GUIDANCE: The tool 'read_note' failed"))
	assert.True(t, strings.HasPrefix(results[1].Content, "Error: tool explode failed: boom"))
	assert.True(t, strings.HasPrefix(results[2].Content, "Error: Tool not found: missing_tool\n"))
	assert.Contains(t, results[2].Content, "AVAILABLE SEARCH TOOLS: search_notes\n")
	assert.Equal(t, `[{"noteId":"a"}]`, results[3].Content)
	require.Len(t, search.calls, 1)

	errorsSeen := 0
	for _, e := range events {
		if e.ToolExecution != nil && e.ToolExecution.Action == ActionError {
			errorsSeen++
		}
	}
	assert.Equal(t, 3, errorsSeen)
}

func TestRunEmptyResultsAddDirective(t *testing.T) {
	handler := llmtest.NewHandler(
		llmtest.Response{ToolCalls: []llm.ToolCall{searchCall("1")}},
		llmtest.Response{Text: "nothing found"},
	)
	loop := NewToolLoop(handler, tools.NewToolRegistry(textTool(tools.SearchNotesToolName, "[]")))

	result, err := loop.Run(context.Background(), userMessages("q"), llm.ChatOptions{}, nil)
	require.NoError(t, err)

	require.Len(t, result.Messages, 3)
	assert.Equal(t, "[]"+tools.EmptyResultNote, result.Messages[1].Content)
	assert.Equal(t, llm.RoleSystem, result.Messages[2].Role)
	assert.Contains(t, result.Messages[2].Content, "YOU MUST NOT GIVE UP")
}

func TestRunStreamsLiveWithoutTools(t *testing.T) {
	handler := llmtest.NewHandler(llmtest.Response{Deltas: []string{"a", "b", "c"}, Reasoning: "hmm"})
	loop := NewToolLoop(handler, nil)

	var events []Event
	result, err := loop.Run(context.Background(), userMessages("q"), llm.ChatOptions{}, collect(&events))
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Text)
	require.Len(t, events, 4)
	assert.Equal(t, "hmm", events[0].Reasoning)
	assert.Equal(t, "a", events[1].Delta)
	assert.Empty(t, handler.Calls()[0].Options.Tools)
}

func TestRunProviderErrors(t *testing.T) {
	open := llmtest.NewHandler(llmtest.Response{OpenErr: errors.New("401 unauthorized")})
	_, err := NewToolLoop(open, nil).Run(context.Background(), userMessages("q"), llm.ChatOptions{}, nil)
	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))

	mid := llmtest.NewHandler(llmtest.Response{Deltas: []string{"partial "}, StreamErr: errors.New("connection reset")})
	result, err := NewToolLoop(mid, nil).Run(context.Background(), userMessages("q"), llm.ChatOptions{}, nil)
	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))
	assert.Equal(t, "partial ", result.Text)

	_, err = NewToolLoop(nil, nil).Run(context.Background(), userMessages("q"), llm.ChatOptions{}, nil)
	assert.True(t, llm.IsConfigurationError(err))
}

func TestRunCancelled(t *testing.T) {
	handler := llmtest.NewHandler(llmtest.Response{Deltas: []string{"partial"}, Block: true})
	loop := NewToolLoop(handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var events []Event
	deliver := func(e Event) {
		events = append(events, e)
		if e.Delta != "" {
			cancel()
		}
	}

	result, err := loop.Run(ctx, userMessages("q"), llm.ChatOptions{}, deliver)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, llm.IsProviderError(err))
	assert.Equal(t, "partial", result.Text)
}

func TestToolTimeout(t *testing.T) {
	slow := &stubTool{name: tools.SearchNotesToolName, run: func(ctx context.Context, _ tools.ToolCall) (tools.ToolResponse, error) {
		<-ctx.Done()
		return tools.ToolResponse{}, ctx.Err()
	}}
	handler := llmtest.NewHandler(
		llmtest.Response{ToolCalls: []llm.ToolCall{searchCall("1")}},
		llmtest.Response{Text: "ok"},
	)
	loop := NewToolLoop(handler, tools.NewToolRegistry(slow), WithToolTimeout(10*time.Millisecond))

	result, err := loop.Run(context.Background(), userMessages("q"), llm.ChatOptions{}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Messages[1].Content, "timed out")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_provider", AwaitingProvider.String())
	assert.Equal(t, "executing_tools", ExecutingTools.String())
	assert.Equal(t, "done", Done.String())
}
