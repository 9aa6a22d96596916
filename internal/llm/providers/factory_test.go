package providers

import (
	"encoding/json"
	"testing"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

func TestBuildApiHandler(t *testing.T) {
	tests := []struct {
		name    string
		options llm.ApiHandlerOptions
		want    llm.ProviderType
		wantErr bool
	}{
		{"no provider", llm.ApiHandlerOptions{}, "", true},
		{"missing key", llm.ApiHandlerOptions{Provider: llm.ProviderOpenAI}, "", true},
		{"ollama without key", llm.ApiHandlerOptions{Provider: llm.ProviderOllama}, llm.ProviderOllama, false},
		{"anthropic", llm.ApiHandlerOptions{Provider: llm.ProviderAnthropic, APIKey: "k"}, llm.ProviderAnthropic, false},
		{"openrouter", llm.ApiHandlerOptions{Provider: llm.ProviderOpenRouter, APIKey: "k"}, llm.ProviderOpenRouter, false},
		{"unknown", llm.ApiHandlerOptions{Provider: "acme", APIKey: "k"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := BuildApiHandler(tt.options)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !llm.IsConfigurationError(err) {
					t.Errorf("err = %v, want ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if handler.Provider() != tt.want {
				t.Errorf("provider = %s, want %s", handler.Provider(), tt.want)
			}
			if handler.GetModel().ID == "" {
				t.Error("default model not applied")
			}
		})
	}
}

func TestConvertToAnthropicMessages(t *testing.T) {
	system, turns := convertToAnthropicMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "find docker"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "search_notes", Arguments: `{"query":"docker"}`},
			{ID: "b", Name: "search_notes", Arguments: `{"query":"containers"}`},
		}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "one"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "Error: boom"},
	})

	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want 3 (user, assistant, merged tool results)", len(turns))
	}
	if len(turns[2].Content) != 2 {
		t.Errorf("tool results not merged: %d blocks", len(turns[2].Content))
	}
}

func TestBedrockBody(t *testing.T) {
	h := NewBedrockHandler(llm.ApiHandlerOptions{ModelID: "anthropic.claude"})
	body, err := h.buildBody([]llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "q"},
	}, llm.ChatOptions{Tools: []llm.ToolDefinition{{Name: "search_notes", Parameters: map[string]any{}}}})
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}

	var decoded bedrockRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.AnthropicVersion != bedrockAnthropicVersion || decoded.System != "sys" {
		t.Errorf("unexpected request %+v", decoded)
	}
	if len(decoded.Messages) != 1 || len(decoded.Tools) != 1 {
		t.Errorf("messages = %d tools = %d", len(decoded.Messages), len(decoded.Tools))
	}
}

func TestGeminiSchema(t *testing.T) {
	def := llm.ToolDefinition{
		Name: "search_notes",
		Parameters: map[string]any{
			"query": map[string]any{"type": "string", "description": "what to look for"},
			"limit": map[string]any{"type": "integer"},
		},
		Required: []string{"query"},
	}
	schema := geminiSchema(def.JSONSchema())
	if len(schema.Properties) != 2 || len(schema.Required) != 1 {
		t.Errorf("unexpected schema %+v", schema)
	}
	if schema.Properties["query"].Description != "what to look for" {
		t.Error("description lost")
	}
}
