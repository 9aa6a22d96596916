// Package llmtest provides a scripted ApiHandler for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// Response is one scripted provider reply
type Response struct {
	// Deltas are streamed in order; Text is used when Deltas is empty
	Deltas    []string
	Text      string
	Reasoning string
	ToolCalls []llm.ToolCall
	// OpenErr fails CreateMessage itself
	OpenErr error
	// StreamErr is sent after the deltas
	StreamErr error
	// Block holds the stream open until the context is cancelled
	Block bool
}

// Call records one CreateMessage invocation
type Call struct {
	Messages []llm.Message
	Options  llm.ChatOptions
}

// Handler replays responses in order. When the script runs out the last
// response is repeated.
type Handler struct {
	mu        sync.Mutex
	responses []Response
	calls     []Call
	provider  llm.ProviderType
	// Respond, when set, overrides the script
	Respond func(messages []llm.Message, opts llm.ChatOptions) Response
}

// NewHandler creates a handler for the given script
func NewHandler(responses ...Response) *Handler {
	return &Handler{responses: responses, provider: llm.ProviderOpenAI}
}

// WithProvider sets the reported provider
func (h *Handler) WithProvider(p llm.ProviderType) *Handler {
	h.provider = p
	return h
}

// Calls returns a copy of the recorded calls
func (h *Handler) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *Handler) next(messages []llm.Message, opts llm.ChatOptions) Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	h.calls = append(h.calls, Call{Messages: snapshot, Options: opts})

	if h.Respond != nil {
		return h.Respond(messages, opts)
	}
	if len(h.responses) == 0 {
		return Response{}
	}
	idx := len(h.calls) - 1
	if idx >= len(h.responses) {
		idx = len(h.responses) - 1
	}
	return h.responses[idx]
}

func (h *Handler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	resp := h.next(messages, opts)
	if resp.OpenErr != nil {
		return nil, resp.OpenErr
	}

	out := make(chan llm.ApiStreamChunk)
	go func() {
		defer close(out)

		if resp.Reasoning != "" && !llm.Emit(ctx, out, llm.ApiStreamReasoningChunk{Reasoning: resp.Reasoning}) {
			return
		}
		deltas := resp.Deltas
		if len(deltas) == 0 && resp.Text != "" {
			deltas = []string{resp.Text}
		}
		for _, d := range deltas {
			if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: d}) {
				return
			}
		}
		for _, tc := range resp.ToolCalls {
			if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: tc}) {
				return
			}
		}
		if resp.StreamErr != nil {
			llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: resp.StreamErr})
			return
		}
		if resp.Block {
			<-ctx.Done()
			return
		}
		llm.Emit(ctx, out, llm.ApiStreamUsageChunk{InputTokens: 10, OutputTokens: 5})
	}()
	return out, nil
}

func (h *Handler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{ID: "fake-model", Info: llm.ModelInfo{SupportsTools: true}}
}

func (h *Handler) Provider() llm.ProviderType { return h.provider }
