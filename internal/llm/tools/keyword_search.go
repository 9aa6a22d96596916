package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const (
	KeywordSearchToolName = "keyword_search"

	defaultKeywordResults = 10
	keywordSnippetRadius  = 80
)

type KeywordSearchParams struct {
	Query      string  `json:"query"`
	MaxResults FlexInt `json:"maxResults"`
}

type keywordMatch struct {
	NoteID  string `json:"noteId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
	Score   int    `json:"score"`
}

type keywordSearchTool struct {
	notes NoteStore
}

const keywordSearchDescription = `Search notes for exact keywords in titles and content, with fuzzy matching on titles.

WHEN TO USE THIS TOOL:
- When looking for a specific term, name or identifier
- When search_notes does not surface a note you expect to exist

HOW TO USE:
- Provide one or more keywords as the query
- Results include a snippet around the first match and the noteId`

func NewKeywordSearchTool(notes NoteStore) BaseTool {
	return &keywordSearchTool{notes: notes}
}

func (t *keywordSearchTool) Info() ToolInfo {
	return ToolInfo{
		Name:        KeywordSearchToolName,
		Description: keywordSearchDescription,
		Parameters: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Keywords to look for",
			},
			"maxResults": map[string]any{
				"type":        "number",
				"description": "Maximum number of results to return (default: 10, max: 20)",
			},
		},
		Required: []string{"query"},
	}
}

func (t *keywordSearchTool) Run(ctx context.Context, call ToolCall) (ToolResponse, error) {
	var params KeywordSearchParams
	if err := decodeParams(call, &params); err != nil {
		return NewTextErrorResponse("error parsing parameters: " + err.Error()), nil
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return NewTextErrorResponse("missing required parameter: query"), nil
	}
	if t.notes == nil {
		return NewTextErrorResponse("note store is not available"), nil
	}

	limit := int(params.MaxResults)
	if limit <= 0 {
		limit = defaultKeywordResults
	}
	limit = min(limit, maxSearchResults)

	notes, err := t.notes.List(ctx)
	if err != nil {
		return ToolResponse{}, fmt.Errorf("failed to list notes: %w", err)
	}

	needle := strings.ToLower(params.Query)
	var matches []keywordMatch
	for _, note := range notes {
		title := strings.ToLower(note.Title)
		content := strings.ToLower(note.Content)

		score := 0
		switch {
		case strings.Contains(title, needle):
			score = 100
		case strings.Contains(content, needle):
			score = 50 + min(strings.Count(content, needle), 40)
		case fuzzy.MatchFold(params.Query, note.Title):
			// fewer skipped characters rank higher
			score = max(1, 40-fuzzy.RankMatchFold(params.Query, note.Title))
		}
		if score == 0 {
			continue
		}
		matches = append(matches, keywordMatch{
			NoteID:  note.ID,
			Title:   note.Title,
			Snippet: snippet(note.Content, needle),
			Score:   score,
		})
	}

	if len(matches) == 0 {
		return NewTextResponse(fmt.Sprintf("No matches found for %q", params.Query)), nil
	}

	slices.SortStableFunc(matches, func(a, b keywordMatch) int {
		if a.Score != b.Score {
			return b.Score - a.Score
		}
		return strings.Compare(a.NoteID, b.NoteID)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out, err := marshalResult(matches)
	if err != nil {
		return ToolResponse{}, err
	}
	return NewTextResponse(out), nil
}

// snippet returns the text around the first case-insensitive occurrence of
// needle, or the start of the content when there is none.
func snippet(content, needle string) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	if len(lower) != len(runes) {
		return truncateRunes(content, 2*keywordSnippetRadius)
	}
	idx := strings.Index(string(lower), needle)
	if idx < 0 {
		return truncateRunes(content, 2*keywordSnippetRadius)
	}
	pos := len([]rune(string(lower)[:idx]))
	start := max(0, pos-keywordSnippetRadius)
	end := min(len(runes), pos+len([]rune(needle))+keywordSnippetRadius)

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}
