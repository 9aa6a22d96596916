package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

// fakeEmbedder encodes the query as a one-element vector index
type fakeEmbedder struct {
	ids  map[string]float32
	fail map[string]bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail[text] {
		return nil, errors.New("embedding backend down")
	}
	return []float32{f.ids[text]}, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	results map[float32][]vectordb.Match
	opts    []vectordb.SearchOptions
	err     error
}

func (f *fakeSearch) FindSimilar(_ context.Context, embedding []float32, opts vectordb.SearchOptions) ([]vectordb.Match, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[embedding[0]], nil
}

type fakeTree struct {
	notes    map[string]vectordb.Note
	children map[string][]vectordb.Note
}

func (f *fakeTree) Get(_ context.Context, id string) (*vectordb.Note, error) {
	n, ok := f.notes[id]
	if !ok {
		return nil, vectordb.ErrNotFound
	}
	return &n, nil
}

func (f *fakeTree) Children(_ context.Context, id string) ([]vectordb.Note, error) {
	return f.children[id], nil
}

func match(id, title string, sim float64) vectordb.Match {
	return vectordb.Match{Note: vectordb.Note{ID: id, Title: title, Content: title + " content"}, Similarity: sim}
}

func dockerFixture() (*fakeEmbedder, *fakeSearch) {
	embedder := &fakeEmbedder{ids: map[string]float32{"docker containers": 1, "container runtime": 2, "images": 3}}
	search := &fakeSearch{results: map[float32][]vectordb.Match{
		1: {match("docker", "Docker Basics", 0.9), match("compose", "Compose", 0.6)},
		2: {match("docker", "Docker Basics", 0.7), match("runtime", "Runtimes", 0.75)},
		3: {match("images", "Images", 0.5)},
	}}
	return embedder, search
}

func TestFindRelevantMergesByMaxSimilarity(t *testing.T) {
	embedder, search := dockerFixture()
	svc := NewService(embedder, search)

	items := svc.FindRelevant(context.Background(), []string{"docker containers", "container runtime"}, "", 10, false)

	require.Len(t, items, 3)
	assert.Equal(t, "docker", items[0].EntityID)
	assert.Equal(t, 0.9, items[0].Similarity)
	assert.Equal(t, "runtime", items[1].EntityID)
	assert.Equal(t, "compose", items[2].EntityID)

	seen := map[string]bool{}
	for _, item := range items {
		assert.False(t, seen[item.EntityID], "duplicate %s", item.EntityID)
		seen[item.EntityID] = true
	}
}

func TestFindRelevantTruncatesAndOrders(t *testing.T) {
	embedder, search := dockerFixture()
	svc := NewService(embedder, search)

	items := svc.FindRelevant(context.Background(), []string{"docker containers", "container runtime", "images"}, "", 2, false)
	require.Len(t, items, 2)
	assert.GreaterOrEqual(t, items[0].Similarity, items[1].Similarity)
}

func TestFindRelevantSkipsFailures(t *testing.T) {
	embedder, search := dockerFixture()
	embedder.fail = map[string]bool{"container runtime": true}
	svc := NewService(embedder, search)

	items := svc.FindRelevant(context.Background(), []string{"docker containers", "container runtime"}, "", 10, false)
	require.Len(t, items, 2)
	assert.Equal(t, "docker", items[0].EntityID)
}

func TestFindRelevantAllFail(t *testing.T) {
	embedder, search := dockerFixture()
	search.err = errors.New("index unavailable")
	svc := NewService(embedder, search)

	items := svc.FindRelevant(context.Background(), []string{"docker containers"}, "", 10, false)
	assert.Empty(t, items)
	assert.Equal(t, NoNotesContext, BuildContext(items, "What are Docker containers?"))
}

func TestFindRelevantScoped(t *testing.T) {
	embedder, search := dockerFixture()
	tree := &fakeTree{
		notes: map[string]vectordb.Note{"devops": {ID: "devops", Title: "DevOps"}},
		children: map[string][]vectordb.Note{
			"devops": {{ID: "docker", Title: "Docker Basics", ParentID: "devops"}, {ID: "ci", Title: "CI", ParentID: "devops"}},
		},
	}
	svc := NewService(embedder, search, WithNoteTree(tree))

	items := svc.FindRelevant(context.Background(), []string{"docker containers"}, "devops", 10, false)

	require.NotEmpty(t, search.opts)
	assert.Equal(t, DefaultScopedThreshold, search.opts[0].Threshold)
	assert.Equal(t, "devops", search.opts[0].ScopeID)

	byID := map[string]Item{}
	for _, item := range items {
		byID[item.EntityID] = item
	}
	assert.Equal(t, 1.0, byID["devops"].Similarity)
	assert.Equal(t, 0.9, byID["docker"].Similarity, "search result beats child default")
	assert.Equal(t, 0.8, byID["ci"].Similarity)
}

func TestFindRelevantNotConfigured(t *testing.T) {
	assert.Empty(t, NewService(nil, nil).FindRelevant(context.Background(), []string{"x"}, "", 5, false))
}

func TestBuildContext(t *testing.T) {
	items := []Item{
		{EntityID: "docker", Title: "Docker Basics", Content: "Containers package apps.", Similarity: 0.9},
		{EntityID: "untitled", Content: "body"},
	}
	ctx := BuildContext(items, "What are Docker containers?")

	assert.True(t, strings.HasPrefix(ctx, "I'll provide you with relevant information from my notes"))
	assert.Contains(t, ctx, "<notes>\n# Note: Docker Basics\nContent: Containers package apps.\n\n# Note: untitled\nContent: body\n</notes>")
	assert.True(t, strings.HasSuffix(ctx, "<query>What are Docker containers?</query>"))
}

func TestFitContext(t *testing.T) {
	question := "What are Docker containers?"
	items := []Item{
		{EntityID: "a", Title: "Alpha", Content: strings.Repeat("a", 400)},
		{EntityID: "b", Title: "Beta", Content: strings.Repeat("b", 400)},
		{EntityID: "c", Title: "Gamma", Content: strings.Repeat("c", 400)},
	}

	ctx, used := FitContext(items, question, 0)
	assert.Equal(t, BuildContext(items, question), ctx)
	assert.Len(t, used, 3)

	limit := len(BuildContext(items[:2], question))
	ctx, used = FitContext(items, question, limit)
	require.Len(t, used, 2)
	assert.Equal(t, []string{"a", "b"}, []string{used[0].EntityID, used[1].EntityID})
	assert.LessOrEqual(t, len(ctx), limit)
	assert.NotContains(t, ctx, "Gamma")

	// a single oversized note is cut rather than dropped
	limit = len(BuildContext([]Item{{EntityID: "big", Title: "Big"}}, question)) + 100
	ctx, used = FitContext([]Item{{EntityID: "big", Title: "Big", Content: strings.Repeat("é", 1000)}}, question, limit)
	require.Len(t, used, 1)
	assert.LessOrEqual(t, len(ctx), limit)
	assert.True(t, utf8.ValidString(ctx))
	assert.Contains(t, ctx, "# Note: Big")

	ctx, used = FitContext(items, question, 10)
	assert.Equal(t, NoNotesContext, ctx)
	assert.Empty(t, used)

	ctx, used = FitContext(nil, question, 100)
	assert.Equal(t, NoNotesContext, ctx)
	assert.Empty(t, used)
}

func TestSummarize(t *testing.T) {
	short := "One sentence."
	assert.Equal(t, short, Summarize(short))

	long := strings.Repeat("This sentence is about containers. ", 40)
	summary := Summarize(long)
	assert.Less(t, len(summary), len(long))
	assert.True(t, strings.HasSuffix(summary, "..."))
	assert.True(t, strings.HasPrefix(summary, "This sentence is about containers."))

	unbroken := strings.Repeat("x", 800)
	assert.Equal(t, strings.Repeat("x", 500)+"...", Summarize(unbroken))
}

func TestBuildThinking(t *testing.T) {
	var items []Item
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		items = append(items, Item{EntityID: id, Title: "Note " + id, Content: strings.Repeat(id, 150), Similarity: 0.8})
	}
	d := &query.Decomposed{
		OriginalQuery: "q",
		Complexity:    6,
		SubQueries:    []query.SubQuery{{Text: "q", Reason: "Original query"}},
	}

	out := BuildThinking("q", d, []string{"q"}, items)

	assert.True(t, strings.HasPrefix(out, "## Query Processing\n\nOriginal query: \"q\"\n\n"))
	assert.Contains(t, out, "Query complexity: 6/10")
	assert.Contains(t, out, "### Decomposed into 1 sub-queries:\n1. q\n   Reason: Original query")
	assert.Contains(t, out, "### Search Queries Used:\n1. \"q\"\n")
	assert.Contains(t, out, "## Sources Retrieved (7)")
	assert.Contains(t, out, "(Score: 80%)")
	assert.Contains(t, out, "   Preview: "+strings.Repeat("a", 100)+"...\n")
	assert.NotContains(t, out, "Note f")
	assert.True(t, strings.HasSuffix(out, "... and 2 more sources\n"))

	plain := BuildThinking("q", nil, []string{"q"}, nil)
	assert.NotContains(t, plain, "complexity")
	assert.Contains(t, plain, "## Sources Retrieved (0)")
}
