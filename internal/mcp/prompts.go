package mcp

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
)

const (
	researchPromptName  = "research_question"
	summarizePromptName = "summarize_note"
)

func (ns *NoteServer) handleResearchPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}

	messages := []mcp.PromptMessage{
		mcp.NewPromptMessage(
			mcp.RoleUser,
			mcp.NewTextContent(fmt.Sprintf(
				"Answer the following question from my notes. Start with %s using descriptive phrases, "+
					"read the most promising results with %s, and fall back to %s for exact terms. "+
					"Cite the note titles you relied on.",
				tools.SearchNotesToolName, tools.ReadNoteToolName, tools.KeywordSearchToolName,
			)),
		),
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("Question: "+question)),
	}
	return mcp.NewGetPromptResult("Research: "+question, messages), nil
}

func (ns *NoteServer) handleSummarizePrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	noteID := request.Params.Arguments["note_id"]
	if noteID == "" {
		return nil, fmt.Errorf("note_id argument is required")
	}

	note, err := ns.notes.Get(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("note not found: %s", noteID)
	}

	messages := []mcp.PromptMessage{
		mcp.NewPromptMessage(
			mcp.RoleUser,
			mcp.NewTextContent("Summarize the following note in a few sentences. Keep names, numbers and decisions."),
		),
		mcp.NewPromptMessage(
			mcp.RoleUser,
			mcp.NewEmbeddedResource(mcp.TextResourceContents{
				URI:      noteURIPrefix + url.PathEscape(note.ID),
				MIMEType: "text/markdown",
				Text:     fmt.Sprintf("# %s\n\n%s", note.Title, note.Content),
			}),
		),
	}
	return mcp.NewGetPromptResult("Summary of "+note.Title, messages), nil
}
