// Package mcp exposes the note index and chat service as an MCP server.
package mcp

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

const (
	serverName    = "notechat"
	serverVersion = "0.1.0"

	noteURIPrefix = "notechat://notes/"
	statsURI      = "notechat://index/stats"
)

// IndexStats reports on the note index
type IndexStats interface {
	Stats(ctx context.Context) (*vectordb.Stats, error)
}

// Config holds what the server exposes. Any field may be nil; the
// matching tools and resources are then left out.
type Config struct {
	Searcher tools.Searcher
	Notes    tools.NoteStore
	Index    IndexStats
	Chat     *chat.Service
}

// NoteServer is an MCP server over the user's notes
type NoteServer struct {
	server   *server.MCPServer
	registry *tools.ToolRegistry
	notes    tools.NoteStore
	index    IndexStats
	chat     *chat.Service
}

// NewNoteServer creates the server and registers its tools, resources and
// prompts
func NewNoteServer(cfg Config) *NoteServer {
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
	)

	ns := &NoteServer{
		server:   s,
		registry: tools.NewNoteToolRegistry(cfg.Searcher, cfg.Notes),
		notes:    cfg.Notes,
		index:    cfg.Index,
		chat:     cfg.Chat,
	}
	ns.registerTools()
	ns.registerResources()
	ns.registerPrompts()
	return ns
}

// registerTools publishes the same note tools the chat model is offered,
// plus ask_notes when a chat service is configured
func (ns *NoteServer) registerTools() {
	for _, info := range ns.registry.GetToolInfos() {
		ns.server.AddTool(toolFromInfo(info), ns.registryHandler(info.Name))
	}

	if ns.chat == nil {
		return
	}
	askTool := mcp.NewTool(askToolName,
		mcp.WithDescription("Ask a question answered from the user's notes. Returns the answer and the notes it drew on."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("session_id",
			mcp.Description("Continue an existing chat session instead of starting a new one"),
		),
		mcp.WithString("note_context",
			mcp.Description("Limit retrieval to this note and its children"),
		),
	)
	ns.server.AddTool(askTool, ns.handleAsk)
}

func toolFromInfo(info tools.ToolInfo) mcp.Tool {
	return mcp.Tool{
		Name:        info.Name,
		Description: info.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: info.Parameters,
			Required:   info.Required,
		},
	}
}

func (ns *NoteServer) registerResources() {
	if ns.notes != nil {
		noteTemplate := mcp.NewResourceTemplate(
			noteURIPrefix+"{id}",
			"Note",
			mcp.WithTemplateDescription("The full content of an indexed note"),
			mcp.WithTemplateMIMEType("text/markdown"),
		)
		ns.server.AddResourceTemplate(noteTemplate, ns.handleNoteResource)
	}

	if ns.index != nil {
		stats := mcp.NewResource(
			statsURI,
			"Index Statistics",
			mcp.WithResourceDescription("Note and embedding counts for the index"),
			mcp.WithMIMEType("application/json"),
		)
		ns.server.AddResource(stats, ns.handleStatsResource)
	}
}

func (ns *NoteServer) registerPrompts() {
	researchPrompt := mcp.NewPrompt(researchPromptName,
		mcp.WithPromptDescription("Research a question using the note tools"),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("The question to research"),
			mcp.RequiredArgument(),
		),
	)
	ns.server.AddPrompt(researchPrompt, ns.handleResearchPrompt)

	if ns.notes != nil {
		summarizePrompt := mcp.NewPrompt(summarizePromptName,
			mcp.WithPromptDescription("Summarize one note"),
			mcp.WithArgument("note_id",
				mcp.ArgumentDescription("The noteId to summarize"),
				mcp.RequiredArgument(),
			),
		)
		ns.server.AddPrompt(summarizePrompt, ns.handleSummarizePrompt)
	}
}

// ServeStdio serves MCP over stdin and stdout until the client disconnects
func (ns *NoteServer) ServeStdio() error {
	log.Info("Starting MCP server on stdio", "tools", len(ns.registry.Names()))
	return server.ServeStdio(ns.server)
}

// ServeSSE serves MCP over server-sent events on addr
func (ns *NoteServer) ServeSSE(addr string) error {
	log.Info("Starting MCP server with SSE", "addr", addr)
	return server.NewSSEServer(ns.server).Start(addr)
}

// MCPServer returns the underlying server
func (ns *NoteServer) MCPServer() *server.MCPServer {
	return ns.server
}
