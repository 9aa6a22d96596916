package tools

import (
	"context"
	"strings"

	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
)

const (
	SearchNotesToolName = "search_notes"

	defaultSearchResults = 5
	maxSearchResults     = 20
	searchPreviewChars   = 200
)

// Searcher finds notes semantically related to a set of queries
type Searcher interface {
	FindRelevant(ctx context.Context, queries []string, scopeID string, maxResults int, summarize bool) []retrieval.Item
}

type SearchNotesParams struct {
	Query        string   `json:"query"`
	ParentNoteID string   `json:"parentNoteId"`
	MaxResults   FlexInt  `json:"maxResults"`
	Summarize    FlexBool `json:"summarize"`
}

type searchNotesResult struct {
	NoteID     string  `json:"noteId"`
	Title      string  `json:"title"`
	ParentID   string  `json:"parentId,omitempty"`
	Similarity float64 `json:"similarity"`
	Preview    string  `json:"contentPreview,omitempty"`
	Summary    string  `json:"summary,omitempty"`
}

type searchNotesTool struct {
	searcher Searcher
}

const searchNotesDescription = `Search for notes using keywords and phrases. Use descriptive terms and phrases for best results. Returns noteId values to use with other tools.

WHEN TO USE THIS TOOL:
- Use first when the answer may be in the user's notes
- Use again with broader or related terms when a search comes back empty

HOW TO USE:
- Provide a descriptive query such as "machine learning classification"
- Optionally limit the search to the children of a note with parentNoteId
- Pass a returned noteId to read_note to get the full content`

func NewSearchNotesTool(searcher Searcher) BaseTool {
	return &searchNotesTool{searcher: searcher}
}

func (t *searchNotesTool) Info() ToolInfo {
	return ToolInfo{
		Name:        SearchNotesToolName,
		Description: searchNotesDescription,
		Parameters: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": `Search query for finding notes. Use descriptive phrases like "machine learning classification" for better results.`,
			},
			"parentNoteId": map[string]any{
				"type":        "string",
				"description": "Optional noteId to limit search to children of this note. Must be a noteId returned by a previous search.",
			},
			"maxResults": map[string]any{
				"type":        "number",
				"description": "Maximum number of results to return (default: 5, max: 20)",
			},
			"summarize": map[string]any{
				"type":        "boolean",
				"description": "Whether to return a short summary of each note instead of a preview",
			},
		},
		Required: []string{"query"},
	}
}

func (t *searchNotesTool) Run(ctx context.Context, call ToolCall) (ToolResponse, error) {
	var params SearchNotesParams
	if err := decodeParams(call, &params); err != nil {
		return NewTextErrorResponse("error parsing parameters: " + err.Error()), nil
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return NewTextErrorResponse("missing required parameter: query"), nil
	}
	if t.searcher == nil {
		return NewTextErrorResponse("note search is not available"), nil
	}

	limit := int(params.MaxResults)
	if limit <= 0 {
		limit = defaultSearchResults
	}
	limit = min(limit, maxSearchResults)

	items := t.searcher.FindRelevant(ctx, []string{params.Query}, params.ParentNoteID, limit, bool(params.Summarize))
	if err := ctx.Err(); err != nil {
		return ToolResponse{}, err
	}

	results := make([]searchNotesResult, 0, len(items))
	for _, item := range items {
		r := searchNotesResult{
			NoteID:     item.EntityID,
			Title:      item.Title,
			ParentID:   item.ParentID,
			Similarity: item.Similarity,
		}
		if params.Summarize {
			r.Summary = item.Content
		} else {
			r.Preview = truncateRunes(item.Content, searchPreviewChars)
		}
		results = append(results, r)
	}

	out, err := marshalResult(results)
	if err != nil {
		return ToolResponse{}, err
	}
	return NewTextResponse(out), nil
}
