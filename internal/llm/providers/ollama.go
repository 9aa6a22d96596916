package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/google/uuid"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaHandler implements llm.ApiHandler for Ollama's local /api/chat endpoint
type OllamaHandler struct {
	options llm.ApiHandlerOptions
	client  *http.Client
	baseURL string
}

// OllamaRequest represents a request to Ollama's chat API
type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []OllamaTool    `json:"tools,omitempty"`
	Options  *OllamaOptions  `json:"options,omitempty"`
}

// OllamaOptions represents Ollama-specific options
type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// OllamaMessage represents a message in Ollama format
type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// OllamaToolCall is a tool call as Ollama emits it; arguments arrive decoded
type OllamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// OllamaTool declares a function tool
type OllamaTool struct {
	Type     string             `json:"type"`
	Function OllamaToolFunction `json:"function"`
}

// OllamaToolFunction is the function part of a tool declaration
type OllamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// OllamaStreamEvent represents one NDJSON line of a streaming response
type OllamaStreamEvent struct {
	Model           string         `json:"model"`
	Message         *OllamaMessage `json:"message,omitempty"`
	Done            bool           `json:"done"`
	Error           string         `json:"error,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
}

// NewOllamaHandler creates a new Ollama handler
func NewOllamaHandler(options llm.ApiHandlerOptions) *OllamaHandler {
	baseURL := strings.TrimSuffix(options.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	// Local models can be slow to load
	timeout := 120 * time.Second
	if options.RequestTimeout > 0 {
		timeout = options.RequestTimeout
	}

	return &OllamaHandler{
		options: options,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (h *OllamaHandler) Provider() llm.ProviderType { return llm.ProviderOllama }

func (h *OllamaHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{
		ID: h.options.ModelID,
		Info: llm.ModelInfo{
			MaxTokens:     4096,
			ContextWindow: 8192,
			SupportsTools: true,
			Description:   "Local Ollama model",
		},
	}
}

// CreateMessage implements the ApiHandler interface
func (h *OllamaHandler) CreateMessage(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (llm.ApiStream, error) {
	request := OllamaRequest{
		Model:    modelOr(opts.Model, h.options.ModelID),
		Messages: convertToOllamaMessages(messages),
		Stream:   true,
		Options:  &OllamaOptions{Temperature: opts.Temperature},
	}
	if maxTokens := maxTokensOr(opts.MaxTokens, h.options.MaxTokens); maxTokens > 0 {
		request.Options.NumPredict = &maxTokens
	}
	for _, tool := range opts.Tools {
		request.Tools = append(request.Tools, OllamaTool{
			Type: "function",
			Function: OllamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.JSONSchema(),
			},
		})
	}

	return h.streamRequest(ctx, request)
}

func (h *OllamaHandler) streamRequest(ctx context.Context, request OllamaRequest) (llm.ApiStream, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, llm.NewProviderError(llm.ProviderOllama, fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, llm.NewProviderError(llm.ProviderOllama,
			llm.WrapHTTPError(fmt.Errorf("API error %d: %s", resp.StatusCode, string(body)), resp))
	}

	out := make(chan llm.ApiStreamChunk, 100)
	go h.processStreamResponse(ctx, resp, out)
	return out, nil
}

func (h *OllamaHandler) processStreamResponse(ctx context.Context, resp *http.Response, out chan<- llm.ApiStreamChunk) {
	defer resp.Body.Close()
	defer close(out)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event OllamaStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			log.Debug("Skipping malformed Ollama event", "error", err)
			continue
		}
		if event.Error != "" {
			llm.Emit(ctx, out, llm.ApiStreamErrorChunk{
				Err: llm.NewProviderError(llm.ProviderOllama, fmt.Errorf("%s", event.Error)),
			})
			return
		}

		if event.Message != nil {
			if event.Message.Content != "" {
				if !llm.Emit(ctx, out, llm.ApiStreamTextChunk{Text: event.Message.Content}) {
					return
				}
			}
			for _, tc := range event.Message.ToolCalls {
				call := llm.ToolCall{
					ID:    "call_" + uuid.NewString(),
					Name:  tc.Function.Name,
					Input: tc.Function.Arguments,
				}
				if call.Input == nil {
					call.Input = map[string]any{}
				}
				if !llm.Emit(ctx, out, llm.ApiStreamToolCallChunk{ToolCall: call}) {
					return
				}
			}
		}

		if event.Done {
			llm.Emit(ctx, out, llm.ApiStreamUsageChunk{
				InputTokens:  event.PromptEvalCount,
				OutputTokens: event.EvalCount,
			})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		llm.Emit(ctx, out, llm.ApiStreamErrorChunk{Err: llm.NewProviderError(llm.ProviderOllama, err)})
	}
}

func convertToOllamaMessages(messages []llm.Message) []OllamaMessage {
	result := make([]OllamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := OllamaMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == llm.RoleTool {
			om.ToolName = msg.Name
		}
		for _, tc := range msg.ToolCalls {
			var call OllamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Input
			if call.Function.Arguments == nil {
				_ = json.Unmarshal([]byte(tc.ArgumentsJSON()), &call.Function.Arguments)
			}
			om.ToolCalls = append(om.ToolCalls, call)
		}
		result = append(result, om)
	}
	return result
}
