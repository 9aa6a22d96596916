package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiHandler implements llm.ApiHandler on the Google Gen AI SDK
type GeminiHandler struct {
	options llm.ApiHandlerOptions

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGeminiHandler creates a new Gemini handler. The client is created on
// first use because it needs a context.
func NewGeminiHandler(options llm.ApiHandlerOptions) *GeminiHandler {
	return &GeminiHandler{options: options}
}

func (h *GeminiHandler) Provider() llm.ProviderType { return llm.ProviderGemini }

func (h *GeminiHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:      8192,
			ContextWindow:  1000000,
			SupportsTools:  true,
			SupportsImages: true,
			Description:    "Google Gemini model",
		},
	}
}

func (h *GeminiHandler) getClient(ctx context.Context) (*genai.Client, error) {
	h.once.Do(func() {
		h.client, h.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  h.options.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if h.clientErr != nil {
		return nil, llm.NewConfigurationError("gemini client: %v", h.clientErr)
	}
	return h.client, nil
}

// CreateMessage streams a content generation request
func (h *GeminiHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	client, err := h.getClient(ctx)
	if err != nil {
		return nil, err
	}

	system, contents := convertToGeminiContents(messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens); maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.JSONSchema()),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	seq := client.Models.GenerateContentStream(ctx, modelOr(opts.Model, h.options.ModelID), contents, config)
	next, stop := iter.Pull2(seq)

	first, err, ok := next()
	if !ok || err != nil {
		stop()
		if err == nil {
			err = errors.New("empty response stream")
		}
		return nil, h.wrapError(err)
	}

	out := make(chan llm.ApiStreamChunk, 100)
	go func() {
		defer close(out)
		defer stop()

		var usage llm.ApiStreamUsageChunk
		result := first
		for {
			if result.UsageMetadata != nil {
				usage.InputTokens = int(result.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
			}
			if len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
				for _, part := range result.Candidates[0].Content.Parts {
					var chunk llm.ApiStreamChunk
					switch {
					case part.FunctionCall != nil:
						chunk = llm.ApiStreamToolCallChunk{ToolCall: geminiToolCall(part.FunctionCall)}
					case part.Thought && part.Text != "":
						chunk = llm.ApiStreamReasoningChunk{Reasoning: part.Text}
					case part.Text != "":
						chunk = llm.ApiStreamTextChunk{Text: part.Text}
					default:
						continue
					}
					if !llm.Emit(ctx, out, chunk) {
						return
					}
				}
			}

			var ok bool
			result, err, ok = next()
			if !ok {
				break
			}
			if err != nil {
				log.Error("Gemini stream error", "error", err)
				llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: h.wrapError(err)})
				return
			}
		}
		llm.Emit(ctx, out, usage)
	}()

	return out, nil
}

func (h *GeminiHandler) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		err = llm.NewRetryableError(fmt.Errorf("gemini: %w", err), apiErr.Code, nil)
	}
	return llm.NewProviderError(llm.ProviderGemini, err)
}

func geminiToolCall(fc *genai.FunctionCall) llm.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return llm.ToolCall{ID: id, Name: fc.Name, Input: fc.Args}
}

// convertToGeminiContents lifts system messages into the system instruction.
// Assistant turns use the "model" role; tool results become function responses.
func convertToGeminiContents(messages []llm.Message) (string, []*genai.Content) {
	var system string
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case llm.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if args == nil {
					_ = json.Unmarshal([]byte(tc.ArgumentsJSON()), &args)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, content)
		case llm.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"output": msg.Content},
					},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return system, contents
}

// geminiSchema converts a JSON schema document into the SDK's schema type
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		switch t {
		case "object":
			result.Type = genai.TypeObject
		case "array":
			result.Type = genai.TypeArray
		case "integer":
			result.Type = genai.TypeInteger
		case "number":
			result.Type = genai.TypeNumber
		case "boolean":
			result.Type = genai.TypeBoolean
		default:
			result.Type = genai.TypeString
		}
	}
	if d, ok := schema["description"].(string); ok {
		result.Description = d
	}
	if enum, ok := schema["enum"].([]string); ok {
		result.Enum = enum
	}
	if items, ok := schema["items"].(map[string]any); ok {
		result.Items = geminiSchema(items)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]any); ok {
				result.Properties[name] = geminiSchema(m)
			}
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		result.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}
