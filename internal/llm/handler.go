package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a conversation message in provider-neutral form
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a provider request to run a named tool.
// Arguments holds the raw text form; Input is set when the provider
// already decoded the arguments into an object.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// ArgumentsJSON returns the arguments as a JSON document suitable for
// echoing the call back to a provider.
func (tc ToolCall) ArgumentsJSON() string {
	if tc.Input != nil {
		data, err := json.Marshal(tc.Input)
		if err == nil {
			return string(data)
		}
	}
	if tc.Arguments == "" {
		return "{}"
	}
	return tc.Arguments
}

// ToolDefinition describes a tool offered to the provider
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required,omitempty"`
}

// JSONSchema returns the parameters as an object schema
func (d ToolDefinition) JSONSchema() map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": d.Parameters,
	}
	if len(d.Required) > 0 {
		schema["required"] = d.Required
	}
	return schema
}

// ChatOptions carries per-call generation settings
type ChatOptions struct {
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"maxTokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// Float returns a pointer for optional float settings
func Float(v float64) *float64 { return &v }

// WithTools returns a copy of the options offering the given tools
func (o ChatOptions) WithTools(tools []ToolDefinition) ChatOptions {
	o.Tools = tools
	return o
}

// ModelInfo represents model capabilities
type ModelInfo struct {
	MaxTokens      int    `json:"maxTokens"`
	ContextWindow  int    `json:"contextWindow"`
	SupportsTools  bool   `json:"supportsTools"`
	SupportsImages bool   `json:"supportsImages"`
	Description    string `json:"description,omitempty"`
}

// ModelResponse represents a model ID and its information
type ModelResponse struct {
	ID   string    `json:"id"`
	Info ModelInfo `json:"info"`
}

// ApiHandler is the provider boundary. Every call returns a stream; buffered
// callers collect it with CollectStream.
type ApiHandler interface {
	CreateMessage(ctx context.Context, messages []Message, opts ChatOptions) (ApiStream, error)
	GetModel() ModelResponse
	Provider() ProviderType
}

// ApiHandlerOptions represents configuration options for API handlers
type ApiHandlerOptions struct {
	Provider ProviderType `json:"provider"`
	APIKey   string       `json:"apiKey"`
	ModelID  string       `json:"modelId"`
	BaseURL  string       `json:"baseUrl,omitempty"`

	// Bedrock
	AWSRegion string `json:"awsRegion,omitempty"`

	MaxTokens      int           `json:"maxTokens,omitempty"`
	RequestTimeout time.Duration `json:"requestTimeout,omitempty"`
	Retry          *RetryOptions `json:"retry,omitempty"`
}

// RetryOptions represents retry configuration
type RetryOptions struct {
	MaxRetries     int           `json:"maxRetries"`
	BaseDelay      time.Duration `json:"baseDelay"`
	MaxDelay       time.Duration `json:"maxDelay"`
	RetryAllErrors bool          `json:"retryAllErrors"`
}

// DefaultRetryOptions provides sensible defaults for retry behavior
var DefaultRetryOptions = RetryOptions{
	MaxRetries:     3,
	BaseDelay:      1 * time.Second,
	MaxDelay:       10 * time.Second,
	RetryAllErrors: false,
}

// ProviderType represents different LLM providers
type ProviderType string

const (
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenAI     ProviderType = "openai"
	ProviderGemini     ProviderType = "gemini"
	ProviderOllama     ProviderType = "ollama"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderBedrock    ProviderType = "bedrock"
)

// ParseProviderType validates a provider name
func ParseProviderType(name string) (ProviderType, error) {
	switch p := ProviderType(name); p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama, ProviderOpenRouter, ProviderBedrock:
		return p, nil
	}
	return "", fmt.Errorf("unsupported provider %q", name)
}
