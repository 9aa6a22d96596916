package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

const ReadNoteToolName = "read_note"

// NoteStore gives tools direct access to indexed notes
type NoteStore interface {
	Get(ctx context.Context, id string) (*vectordb.Note, error)
	List(ctx context.Context) ([]vectordb.Note, error)
}

type ReadNoteParams struct {
	NoteID string `json:"noteId"`
}

type readNoteResult struct {
	NoteID    string `json:"noteId"`
	Title     string `json:"title"`
	ParentID  string `json:"parentId,omitempty"`
	Path      string `json:"path,omitempty"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type readNoteTool struct {
	notes NoteStore
}

const readNoteDescription = `Read the full content of a note by its noteId.

WHEN TO USE THIS TOOL:
- After search_notes or keyword_search returned a promising noteId
- When a preview is not enough to answer the question

HOW TO USE:
- Pass the noteId exactly as returned by a search tool`

func NewReadNoteTool(notes NoteStore) BaseTool {
	return &readNoteTool{notes: notes}
}

func (t *readNoteTool) Info() ToolInfo {
	return ToolInfo{
		Name:        ReadNoteToolName,
		Description: readNoteDescription,
		Parameters: map[string]any{
			"noteId": map[string]any{
				"type":        "string",
				"description": "The noteId of the note to read",
			},
		},
		Required: []string{"noteId"},
	}
}

func (t *readNoteTool) Run(ctx context.Context, call ToolCall) (ToolResponse, error) {
	var params ReadNoteParams
	if err := decodeParams(call, &params); err != nil {
		return NewTextErrorResponse("error parsing parameters: " + err.Error()), nil
	}
	params.NoteID = strings.TrimSpace(params.NoteID)
	if params.NoteID == "" {
		return NewTextErrorResponse("missing required parameter: noteId"), nil
	}
	if t.notes == nil {
		return NewTextErrorResponse("note store is not available"), nil
	}

	note, err := t.notes.Get(ctx, params.NoteID)
	if errors.Is(err, vectordb.ErrNotFound) {
		return NewTextErrorResponse(fmt.Sprintf("Note not found: %s", params.NoteID)), nil
	}
	if err != nil {
		return ToolResponse{}, fmt.Errorf("failed to read note %s: %w", params.NoteID, err)
	}

	result := readNoteResult{
		NoteID:   note.ID,
		Title:    note.Title,
		ParentID: note.ParentID,
		Path:     note.Path,
		Content:  note.Content,
	}
	if !note.UpdatedAt.IsZero() {
		result.UpdatedAt = note.UpdatedAt.UTC().Format(time.RFC3339)
	}
	out, err := marshalResult(result)
	if err != nil {
		return ToolResponse{}, err
	}
	return NewTextResponse(out), nil
}
