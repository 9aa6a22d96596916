package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/notechat/internal/session"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

const askToolName = "ask_notes"

// registryHandler runs a registry tool with the request arguments as its
// JSON input
func (ns *NoteServer) registryHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tool, ok := ns.registry.GetTool(name)
		if !ok {
			return mcp.NewToolResultError("unknown tool: " + name), nil
		}

		input := "{}"
		if request.Params.Arguments != nil {
			data, err := json.Marshal(request.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			input = string(data)
		}

		resp, err := tool.Run(ctx, tools.ToolCall{ID: uuid.NewString(), Name: name, Input: input})
		if err != nil {
			log.Warn("MCP tool failed", "tool", name, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}
		if resp.IsError {
			return mcp.NewToolResultError(resp.Content), nil
		}
		return mcp.NewToolResultText(resp.Content), nil
	}
}

type askResult struct {
	SessionID string        `json:"sessionId"`
	Answer    string        `json:"answer"`
	Sources   []chat.Source `json:"sources"`
	Truncated bool          `json:"truncated,omitempty"`
}

// handleAsk runs one retrieval turn through the chat service
func (ns *NoteServer) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question parameter is required"), nil
	}

	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		sess, err := ns.chat.CreateSession(ctx, session.CreateParams{
			ContextNoteID: request.GetString("note_context", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(chat.ErrorMessage(err)), nil
		}
		sessionID = sess.ID
	}

	reply, err := ns.chat.Send(ctx, chat.Request{
		SessionID:    sessionID,
		Content:      question,
		UseRetrieval: true,
	})
	if err != nil {
		return mcp.NewToolResultError(chat.ErrorMessage(err)), nil
	}

	data, err := json.MarshalIndent(askResult{
		SessionID: sessionID,
		Answer:    reply.Content,
		Sources:   reply.Sources,
		Truncated: reply.Truncated,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleNoteResource serves notechat://notes/{id}
func (ns *NoteServer) handleNoteResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id, err := noteIDFromURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	note, err := ns.notes.Get(ctx, id)
	if err != nil {
		if errors.Is(err, vectordb.ErrNotFound) {
			return nil, fmt.Errorf("note not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read note %s: %w", id, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/markdown",
			Text:     fmt.Sprintf("# %s\n\n%s", note.Title, note.Content),
		},
	}, nil
}

func noteIDFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, noteURIPrefix) {
		return "", fmt.Errorf("unsupported resource URI: %s", uri)
	}
	id, err := url.PathUnescape(strings.TrimPrefix(uri, noteURIPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid note URI %s: %w", uri, err)
	}
	if id == "" {
		return "", errors.New("note id is required")
	}
	return id, nil
}

func (ns *NoteServer) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := ns.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index stats: %w", err)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      statsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
