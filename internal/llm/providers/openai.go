package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIHandler implements llm.ApiHandler on the official OpenAI Go SDK
type OpenAIHandler struct {
	options llm.ApiHandlerOptions
	client  openai.Client
}

// NewOpenAIHandler creates a new OpenAI handler
func NewOpenAIHandler(options llm.ApiHandlerOptions) *OpenAIHandler {
	opts := []option.RequestOption{option.WithAPIKey(options.APIKey)}
	if options.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(options.BaseURL))
	}
	if options.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(options.RequestTimeout))
	}
	// Retries are handled by llm.WithRetry
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIHandler{
		options: options,
		client:  openai.NewClient(opts...),
	}
}

func (h *OpenAIHandler) Provider() llm.ProviderType { return llm.ProviderOpenAI }

func (h *OpenAIHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:     4096,
			ContextWindow: 128000,
			SupportsTools: true,
			Description:   "OpenAI chat model",
		},
	}
}

// CreateMessage opens a streaming chat completion. The first event is read
// synchronously so that connection and auth failures surface as errors.
func (h *OpenAIHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	params := openai.ChatCompletionNewParams{
		Messages: convertToOpenAIMessages(messages),
		Model:    openai.ChatModel(modelOr(opts.Model, h.options.ModelID)),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens); maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if len(opts.Tools) > 0 {
		params.Tools = convertToOpenAITools(opts.Tools)
	}

	stream := h.client.Chat.Completions.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			err = errors.New("empty response stream")
		}
		return nil, h.wrapError(err)
	}

	out := make(chan llm.ApiStreamChunk, 100)
	go func() {
		defer close(out)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil {
			log.Error("OpenAI stream error", "error", err)
			llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: h.wrapError(err)})
			return
		}

		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
				if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: call}) {
					return
				}
			}
		}
		llm.Emit(ctx, out, llm.ApiStreamUsageChunk{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		})
	}()

	return out, nil
}

func (h *OpenAIHandler) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		err = llm.WrapHTTPError(fmt.Errorf("openai: %w", err), apiErr.Response)
	}
	return llm.NewProviderError(llm.ProviderOpenAI, err)
}

// convertToOpenAIMessages maps neutral messages onto chat completion params
func convertToOpenAIMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case llm.RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func convertToOpenAITools(tools []llm.ToolDefinition) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.JSONSchema()),
			},
		})
	}
	return result
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}

func maxTokensOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
