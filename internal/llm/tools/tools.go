// Package tools defines the note tools a model may call during a turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// ToolInfo describes a tool to the provider
type ToolInfo struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// Definition converts the info into the provider-neutral form
func (i ToolInfo) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        i.Name,
		Description: i.Description,
		Parameters:  i.Parameters,
		Required:    i.Required,
	}
}

// ToolCall is a resolved invocation. Input is a JSON object.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// ToolResponse is what a tool hands back to the model
type ToolResponse struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

func NewTextResponse(content string) ToolResponse {
	return ToolResponse{Content: content}
}

func NewTextErrorResponse(content string) ToolResponse {
	return ToolResponse{Content: content, IsError: true}
}

// BaseTool is implemented by every tool. Run returns an error response for
// bad input and a Go error for execution failures.
type BaseTool interface {
	Info() ToolInfo
	Run(ctx context.Context, call ToolCall) (ToolResponse, error)
}

// FlexInt accepts a JSON number or a numeric string
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %s", data)
	}
	*f = FlexInt(int(v))
	return nil
}

// FlexBool accepts a JSON boolean or a "true"/"false" string
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("expected a boolean, got %s", data)
	}
	*f = FlexBool(v)
	return nil
}

func decodeParams(call ToolCall, params any) error {
	if strings.TrimSpace(call.Input) == "" {
		return nil
	}
	return json.Unmarshal([]byte(call.Input), params)
}

func marshalResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
