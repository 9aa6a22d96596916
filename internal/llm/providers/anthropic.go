package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicHandler implements llm.ApiHandler on the official Anthropic SDK
type AnthropicHandler struct {
	options llm.ApiHandlerOptions
	client  anthropic.Client
}

// NewAnthropicHandler creates a new Anthropic handler
func NewAnthropicHandler(options llm.ApiHandlerOptions) *AnthropicHandler {
	opts := []option.RequestOption{option.WithAPIKey(options.APIKey), option.WithMaxRetries(0)}
	if options.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(options.BaseURL))
	}
	if options.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(options.RequestTimeout))
	}

	return &AnthropicHandler{
		options: options,
		client:  anthropic.NewClient(opts...),
	}
}

func (h *AnthropicHandler) Provider() llm.ProviderType { return llm.ProviderAnthropic }

func (h *AnthropicHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      anthropicDefaultMaxTokens,
			ContextWindow:  200000,
			SupportsTools:  true,
			SupportsImages: true,
			Description:    "Anthropic Claude model",
		},
	}
}

// CreateMessage opens a streaming message request
func (h *AnthropicHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	system, turns := convertToAnthropicMessages(messages)

	maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOr(opts.Model, h.options.ModelID)),
		MaxTokens: int64(maxTokens),
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	for _, tool := range opts.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters,
					Required:   tool.Required,
				},
			},
		})
	}

	stream := h.client.Messages.NewStreaming(ctx, params)
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

		message := anthropic.Message{}
		for {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				log.Warn("Anthropic accumulate failed", "error", err)
			}

			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				switch d := delta.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: d.Text}) {
						return
					}
				case anthropic.ThinkingDelta:
					if !llm.Emit(ctx, out, llm.ApiStreamReasoningChunk{Reasoning: d.Thinking}) {
						return
					}
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil {
			log.Error("Anthropic stream error", "error", err)
			llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: h.wrapError(err)})
			return
		}

		for _, block := range message.Content {
			if toolUse, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				call := llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Arguments: string(toolUse.Input)}
				if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: call}) {
					return
				}
			}
		}
		llm.Emit(ctx, out, llm.ApiStreamUsageChunk{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		})
	}()

	return out, nil
}

func (h *AnthropicHandler) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		err = llm.WrapHTTPError(fmt.Errorf("anthropic: %w", err), apiErr.Response)
	}
	return llm.NewProviderError(llm.ProviderAnthropic, err)
}

// convertToAnthropicMessages lifts system messages into the system prompt and
// merges adjacent same-role turns, as the Messages API requires alternation.
// Tool results travel as user turns.
func convertToAnthropicMessages(messages []llm.Message) (string, []anthropic.MessageParam) {
	var system []string
	var result []anthropic.MessageParam

	appendTurn := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.ArgumentsJSON()), tc.Name))
			}
			appendTurn(anthropic.MessageParamRoleAssistant, blocks...)
		case llm.RoleTool:
			isError := strings.HasPrefix(msg.Content, "Error:")
			appendTurn(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))
		default:
			appendTurn(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
		}
	}

	return strings.Join(system, "\n\n"), result
}
