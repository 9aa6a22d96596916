package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	openrouter "github.com/revrost/go-openrouter"
)

// OpenRouterHandler implements llm.ApiHandler on the go-openrouter client
type OpenRouterHandler struct {
	options llm.ApiHandlerOptions
	client  *openrouter.Client
}

// NewOpenRouterHandler creates a new OpenRouter handler
func NewOpenRouterHandler(options llm.ApiHandlerOptions) *OpenRouterHandler {
	return &OpenRouterHandler{
		options: options,
		client:  openrouter.NewClient(options.APIKey),
	}
}

func (h *OpenRouterHandler) Provider() llm.ProviderType { return llm.ProviderOpenRouter }

func (h *OpenRouterHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:     4096,
			ContextWindow: 128000,
			SupportsTools: true,
			Description:   "OpenRouter routed model",
		},
	}
}

// CreateMessage sends a message to OpenRouter and returns a streaming response
func (h *OpenRouterHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	request := openrouter.ChatCompletionRequest{
		Model:    modelOr(opts.Model, h.options.ModelID),
		Messages: convertToOpenRouterMessages(messages),
		Stream:   true,
	}
	if opts.Temperature != nil {
		request.Temperature = float32(*opts.Temperature)
	}
	if maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens); maxTokens > 0 {
		request.MaxTokens = maxTokens
	}
	for _, tool := range opts.Tools {
		request.Tools = append(request.Tools, openrouter.Tool{
			Type: openrouter.ToolTypeFunction,
			Function: &openrouter.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.JSONSchema(),
			},
		})
	}

	stream, err := h.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, llm.NewProviderError(llm.ProviderOpenRouter, fmt.Errorf("failed to create chat completion stream: %w", err))
	}

	out := make(chan llm.ApiStreamChunk, 100)
	go func() {
		defer close(out)
		defer stream.Close()

		// Tool call fragments arrive keyed by index
		calls := map[int]*llm.ToolCall{}
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				log.Error("OpenRouter stream error", "error", err)
				llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: llm.NewProviderError(llm.ProviderOpenRouter, err)})
				return
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: delta.Content}) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				index := i
				if tc.Index != nil {
					index = *tc.Index
				}
				call, ok := calls[index]
				if !ok {
					call = &llm.ToolCall{}
					calls[index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
		}

		indexes := make([]int, 0, len(calls))
		for index := range calls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		for _, index := range indexes {
			if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: *calls[index]}) {
				return
			}
		}
	}()

	return out, nil
}

func convertToOpenRouterMessages(messages []llm.Message) []openrouter.ChatCompletionMessage {
	result := make([]openrouter.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openrouter.ChatCompletionMessage{
			Role:    convertRoleToOpenRouter(msg.Role),
			Content: openrouter.Content{Text: msg.Content},
		}
		if msg.Role == llm.RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openrouter.ToolCall{
				ID:   tc.ID,
				Type: openrouter.ToolTypeFunction,
				Function: openrouter.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON(),
				},
			})
		}
		result = append(result, m)
	}
	return result
}

func convertRoleToOpenRouter(role llm.Role) string {
	switch role {
	case llm.RoleAssistant:
		return openrouter.ChatMessageRoleAssistant
	case llm.RoleSystem:
		return openrouter.ChatMessageRoleSystem
	case llm.RoleTool:
		return openrouter.ChatMessageRoleTool
	default:
		return openrouter.ChatMessageRoleUser
	}
}
