package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

type fakeSearcher struct {
	items   []retrieval.Item
	queries []string
	scope   string
	limit   int
}

func (f *fakeSearcher) FindRelevant(_ context.Context, queries []string, scopeID string, maxResults int, _ bool) []retrieval.Item {
	f.queries = queries
	f.scope = scopeID
	f.limit = maxResults
	return f.items
}

type fakeNotes struct {
	notes []vectordb.Note
	err   error
}

func (f *fakeNotes) Get(_ context.Context, id string) (*vectordb.Note, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, n := range f.notes {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, vectordb.ErrNotFound
}

func (f *fakeNotes) List(_ context.Context) ([]vectordb.Note, error) {
	return f.notes, f.err
}

func sampleNotes() *fakeNotes {
	return &fakeNotes{notes: []vectordb.Note{
		{ID: "docker", Title: "Docker Basics", Content: "Containers package an application with its dependencies."},
		{ID: "k8s", Title: "Kubernetes", Content: "Kubernetes schedules containers across nodes. Containers everywhere."},
		{ID: "cooking", Title: "Pasta", Content: "Boil water and add salt."},
	}}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		call llm.ToolCall
		want map[string]any
	}{
		{
			name: "decoded object",
			call: llm.ToolCall{Input: map[string]any{"query": "docker"}, Arguments: "ignored"},
			want: map[string]any{"query": "docker"},
		},
		{
			name: "strict json",
			call: llm.ToolCall{Arguments: `{"query": "docker", "maxResults": 3}`},
			want: map[string]any{"query": "docker", "maxResults": float64(3)},
		},
		{
			name: "bare keys and single quotes",
			call: llm.ToolCall{Arguments: `{name: 'x', value: 'y'}`},
			want: map[string]any{"name": "x", "value": "y"},
		},
		{
			name: "single-quoted keys",
			call: llm.ToolCall{Arguments: `{'query': 'containers'}`},
			want: map[string]any{"query": "containers"},
		},
		{
			name: "escaped and wrapped",
			call: llm.ToolCall{Arguments: `"{\"query\": \"docker\"}"`},
			want: map[string]any{"query": "docker"},
		},
		{
			name: "raw text",
			call: llm.ToolCall{Arguments: "docker containers"},
			want: map[string]any{"text": "docker containers"},
		},
		{
			name: "empty",
			call: llm.ToolCall{},
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseArguments(tt.call, ToolInfo{}))
		})
	}

	t.Run("raw text fills first required parameter", func(t *testing.T) {
		info := ToolInfo{Name: ReadNoteToolName, Required: []string{"noteId"}}
		assert.Equal(t, map[string]any{"noteId": "docker"}, ParseArguments(llm.ToolCall{Arguments: " docker "}, info))
	})
}

func TestResolve(t *testing.T) {
	info := ToolInfo{Name: SearchNotesToolName, Required: []string{"query"}}
	call := Resolve(llm.ToolCall{ID: "call_1", Name: SearchNotesToolName, Arguments: `{query: 'docker'}`}, info)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, SearchNotesToolName, call.Name)
	assert.JSONEq(t, `{"query":"docker"}`, call.Input)
}

func TestRawTextArgumentsRunTool(t *testing.T) {
	r := NewNoteToolRegistry(&fakeSearcher{}, sampleNotes())

	tool, ok := r.GetTool(ReadNoteToolName)
	require.True(t, ok)
	resp, err := tool.Run(context.Background(), Resolve(llm.ToolCall{Name: ReadNoteToolName, Arguments: "docker"}, tool.Info()))
	require.NoError(t, err)
	assert.False(t, resp.IsError, resp.Content)
	assert.Contains(t, resp.Content, "Containers package an application")

	tool, ok = r.GetTool(KeywordSearchToolName)
	require.True(t, ok)
	resp, err = tool.Run(context.Background(), Resolve(llm.ToolCall{Name: KeywordSearchToolName, Arguments: "containers"}, tool.Info()))
	require.NoError(t, err)
	assert.False(t, resp.IsError, resp.Content)
	assert.Contains(t, resp.Content, "k8s")
}

func TestRegistry(t *testing.T) {
	r := NewNoteToolRegistry(&fakeSearcher{}, sampleNotes())

	assert.Equal(t, []string{SearchNotesToolName, ReadNoteToolName, KeywordSearchToolName}, r.Names())

	tool, ok := r.GetTool(ReadNoteToolName)
	require.True(t, ok)
	assert.Equal(t, ReadNoteToolName, tool.Info().Name)

	_, ok = r.GetTool("missing")
	assert.False(t, ok)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, []string{"query"}, defs[0].Required)
	assert.Contains(t, defs[0].Parameters, "parentNoteId")

	dup := NewToolRegistry(NewReadNoteTool(nil), NewReadNoteTool(nil))
	assert.Len(t, dup.Names(), 1)

	var nilRegistry *ToolRegistry
	assert.Empty(t, nilRegistry.Definitions())
}

func TestSearchNotesTool(t *testing.T) {
	searcher := &fakeSearcher{items: []retrieval.Item{
		{EntityID: "docker", Title: "Docker Basics", Content: strings.Repeat("c", 300), Similarity: 0.9},
	}}
	tool := NewSearchNotesTool(searcher)

	resp, err := tool.Run(context.Background(), ToolCall{Name: SearchNotesToolName, Input: `{"query":"docker","parentNoteId":"devops","maxResults":"50"}`})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Equal(t, []string{"docker"}, searcher.queries)
	assert.Equal(t, "devops", searcher.scope)
	assert.Equal(t, maxSearchResults, searcher.limit)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "docker", results[0]["noteId"])
	assert.Equal(t, strings.Repeat("c", searchPreviewChars)+"...", results[0]["contentPreview"])

	_, err = tool.Run(context.Background(), ToolCall{Input: `{"query":"docker"}`})
	require.NoError(t, err)
	assert.Equal(t, defaultSearchResults, searcher.limit)

	resp, err = tool.Run(context.Background(), ToolCall{Input: `{}`})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "missing required parameter: query", resp.Content)

	empty := NewSearchNotesTool(&fakeSearcher{})
	resp, err = empty.Run(context.Background(), ToolCall{Input: `{"query":"nothing"}`})
	require.NoError(t, err)
	assert.Equal(t, "[]", resp.Content)
}

func TestReadNoteTool(t *testing.T) {
	tool := NewReadNoteTool(sampleNotes())

	resp, err := tool.Run(context.Background(), ToolCall{Input: `{"noteId":"docker"}`})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Content, "Containers package an application")

	resp, err = tool.Run(context.Background(), ToolCall{Input: `{"noteId":"nope"}`})
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Note not found: nope", resp.Content)

	resp, err = tool.Run(context.Background(), ToolCall{Input: `{}`})
	require.NoError(t, err)
	assert.True(t, resp.IsError)

	broken := NewReadNoteTool(&fakeNotes{err: errors.New("disk gone")})
	_, err = broken.Run(context.Background(), ToolCall{Input: `{"noteId":"docker"}`})
	assert.Error(t, err)
}

func TestKeywordSearchTool(t *testing.T) {
	tool := NewKeywordSearchTool(sampleNotes())

	resp, err := tool.Run(context.Background(), ToolCall{Input: `{"query":"containers"}`})
	require.NoError(t, err)
	var matches []keywordMatch
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &matches))
	require.Len(t, matches, 2)
	assert.Equal(t, "k8s", matches[0].NoteID, "more occurrences rank higher")
	assert.Equal(t, "docker", matches[1].NoteID)
	assert.Contains(t, matches[1].Snippet, "Containers package")

	resp, err = tool.Run(context.Background(), ToolCall{Input: `{"query":"kbrnts"}`})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "k8s", matches[0].NoteID)

	resp, err = tool.Run(context.Background(), ToolCall{Input: `{"query":"quantum"}`})
	require.NoError(t, err)
	assert.True(t, IsEmptyResult(KeywordSearchToolName, resp.Content))
}

func TestSnippet(t *testing.T) {
	content := strings.Repeat("a", 200) + "needle" + strings.Repeat("b", 200)
	s := snippet(content, "needle")
	assert.True(t, strings.HasPrefix(s, "..."))
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Contains(t, s, "needle")

	assert.Equal(t, "short", snippet("short", "absent"))
}

func TestGuidance(t *testing.T) {
	available := []string{SearchNotesToolName, ReadNoteToolName, KeywordSearchToolName}

	notFound := Guidance("find_stuff", "Tool not found: find_stuff", available)
	assert.Equal(t,
		"TOOL GUIDANCE: The tool 'find_stuff' failed with error: Tool not found: find_stuff.\n"+
			"AVAILABLE SEARCH TOOLS: search_notes, keyword_search\n"+
			"TRY SEARCH NOTES: For semantic matches, use 'search_notes' with a query parameter.\n"+
			"EXAMPLE: { \"query\": \"your search terms here\" }\n"+
			"RECOMMENDATION: If specific searches fail, try the 'search_notes' tool which performs semantic searches.\n",
		notFound)

	missing := Guidance(SearchNotesToolName, "missing required parameter: query", available)
	assert.Contains(t, missing, "REQUIRED PARAMETERS: The 'search_notes' tool requires a 'query' parameter.\n")
	assert.NotContains(t, missing, "RECOMMENDATION")

	other := Guidance(ReadNoteToolName, "Note not found: x", available)
	assert.NotContains(t, other, "REQUIRED PARAMETERS")
	assert.Contains(t, other, "RECOMMENDATION")

	assert.True(t, strings.HasPrefix(ErrorContent(ReadNoteToolName, "boom", available), "Error: boom\nTOOL GUIDANCE:"))
}

func TestIsEmptyResult(t *testing.T) {
	tests := []struct {
		tool    string
		content string
		want    bool
	}{
		{SearchNotesToolName, "[]", true},
		{SearchNotesToolName, "  {} ", true},
		{ReadNoteToolName, "", true},
		{KeywordSearchToolName, `No matches found for "x"`, true},
		{SearchNotesToolName, `No matches found for "x"`, false},
		{SearchNotesToolName, "Error: []", false},
		{SearchNotesToolName, `[{"noteId":"a"}]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.tool+"/"+tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEmptyResult(tt.tool, tt.content))
		})
	}
}

func TestEmptyResultDirective(t *testing.T) {
	base := EmptyResultDirective([]string{ReadNoteToolName})
	assert.Equal(t, "YOU MUST NOT GIVE UP AFTER A SINGLE EMPTY SEARCH RESULT. DO NOT ask the user what to do next or if they want general information. CONTINUE SEARCHING with different parameters.", base)

	search := EmptyResultDirective([]string{SearchNotesToolName})
	assert.Contains(t, search, "IMMEDIATELY RUN ANOTHER SEARCH TOOL")
	assert.NotContains(t, search, "SEARCH_NOTES INSTEAD")

	keyword := EmptyResultDirective([]string{KeywordSearchToolName})
	assert.Contains(t, keyword, "IMMEDIATELY RUN ANOTHER SEARCH TOOL")
	assert.Contains(t, keyword, "IMMEDIATELY TRY SEARCH_NOTES INSTEAD")
}

func TestFlexValues(t *testing.T) {
	var p SearchNotesParams
	require.NoError(t, json.Unmarshal([]byte(`{"maxResults":"7","summarize":"true"}`), &p))
	assert.Equal(t, FlexInt(7), p.MaxResults)
	assert.True(t, bool(p.Summarize))

	require.NoError(t, json.Unmarshal([]byte(`{"maxResults":3.0,"summarize":false}`), &p))
	assert.Equal(t, FlexInt(3), p.MaxResults)
	assert.False(t, bool(p.Summarize))

	assert.Error(t, json.Unmarshal([]byte(`{"maxResults":"lots"}`), &p))
}
