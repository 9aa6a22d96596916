// Package retrieval finds notes relevant to a set of search queries and
// renders them into model context.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

const (
	// DefaultScopedThreshold is the similarity floor for scoped searches
	DefaultScopedThreshold = 0.65
	DefaultMaxResults      = 10

	scopeNoteSimilarity  = 1.0
	childNoteSimilarity  = 0.8
	maxParallelSearches  = 4
	summaryMaxCharacters = 500
)

// Item is one retrieved note. Each EntityID appears at most once per call.
type Item struct {
	EntityID   string  `json:"entityId"`
	Title      string  `json:"title"`
	Content    string  `json:"content,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Embedder turns a query into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingSearch ranks notes by similarity to an embedding
type EmbeddingSearch interface {
	FindSimilar(ctx context.Context, embedding []float32, opts vectordb.SearchOptions) ([]vectordb.Match, error)
}

// NoteTree exposes a note and its direct children. Search backends that
// implement it get scope notes folded into scoped results.
type NoteTree interface {
	Get(ctx context.Context, id string) (*vectordb.Note, error)
	Children(ctx context.Context, parentID string) ([]vectordb.Note, error)
}

// Service merges similarity results across several queries
type Service struct {
	embedder        Embedder
	search          EmbeddingSearch
	tree            NoteTree
	scopedThreshold float64
	maxResults      int
}

// Option configures a Service
type Option func(*Service)

// WithScopedThreshold overrides the similarity floor for scoped searches
func WithScopedThreshold(v float64) Option {
	return func(s *Service) { s.scopedThreshold = v }
}

// WithMaxResults sets the default result count
func WithMaxResults(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithNoteTree sets the source for scope notes and their children
func WithNoteTree(tree NoteTree) Option {
	return func(s *Service) { s.tree = tree }
}

// NewService creates a retrieval service. When search also implements
// NoteTree it is used for scope expansion.
func NewService(embedder Embedder, search EmbeddingSearch, opts ...Option) *Service {
	s := &Service{
		embedder:        embedder,
		search:          search,
		scopedThreshold: DefaultScopedThreshold,
		maxResults:      DefaultMaxResults,
	}
	if tree, ok := search.(NoteTree); ok {
		s.tree = tree
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindRelevant searches every query and returns the merged, ranked result.
// Failures are logged and skipped; the result may be empty but is never an
// error.
func (s *Service) FindRelevant(ctx context.Context, queries []string, scopeID string, maxResults int, summarize bool) []Item {
	if maxResults <= 0 {
		maxResults = s.maxResults
	}
	if s.embedder == nil || s.search == nil {
		log.Warn("Retrieval is not configured, skipping note search")
		return nil
	}

	merged := newMerger()
	if scopeID != "" {
		s.addScopeNotes(ctx, scopeID, merged)
	}

	opts := vectordb.SearchOptions{Limit: maxResults, ScopeID: scopeID}
	if scopeID != "" {
		opts.Threshold = s.scopedThreshold
	}

	var g errgroup.Group
	g.SetLimit(maxParallelSearches)
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		g.Go(func() error {
			s.searchOne(ctx, q, opts, merged)
			return nil
		})
	}
	_ = g.Wait()

	items := merged.ranked(maxResults)
	if summarize {
		for i := range items {
			items[i].Content = Summarize(items[i].Content)
		}
	}
	log.Debug("Retrieved notes", "queries", len(queries), "results", len(items), "scope", scopeID)
	return items
}

func (s *Service) searchOne(ctx context.Context, q string, opts vectordb.SearchOptions, merged *merger) {
	embedding, err := s.embedder.Embed(ctx, q)
	if err != nil {
		log.Error("Failed to embed search query", "query", q, "error", err)
		return
	}
	matches, err := s.search.FindSimilar(ctx, embedding, opts)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("Note search failed", "query", q, "error", err)
		}
		return
	}
	for _, m := range matches {
		merged.add(itemFromNote(m.Note, m.Similarity))
	}
}

func (s *Service) addScopeNotes(ctx context.Context, scopeID string, merged *merger) {
	if s.tree == nil {
		return
	}
	if note, err := s.tree.Get(ctx, scopeID); err == nil {
		merged.add(itemFromNote(*note, scopeNoteSimilarity))
	} else {
		log.Debug("Scope note not found", "id", scopeID, "error", err)
	}
	children, err := s.tree.Children(ctx, scopeID)
	if err != nil {
		log.Debug("Failed to load scope children", "id", scopeID, "error", err)
		return
	}
	for _, child := range children {
		merged.add(itemFromNote(child, childNoteSimilarity))
	}
}

func itemFromNote(n vectordb.Note, similarity float64) Item {
	return Item{
		EntityID:   n.ID,
		Title:      n.Title,
		Content:    n.Content,
		ParentID:   n.ParentID,
		Similarity: similarity,
	}
}

type merger struct {
	mu    sync.Mutex
	items map[string]Item
}

func newMerger() *merger {
	return &merger{items: make(map[string]Item)}
}

// add keeps the higher similarity for an id already seen
func (m *merger) add(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[item.EntityID]; ok && existing.Similarity >= item.Similarity {
		return
	}
	m.items[item.EntityID] = item
}

func (m *merger) ranked(limit int) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Similarity != items[j].Similarity {
			return items[i].Similarity > items[j].Similarity
		}
		return items[i].EntityID < items[j].EntityID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Summarize keeps leading sentences up to a fixed length
func Summarize(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= summaryMaxCharacters {
		return content
	}

	var b strings.Builder
	for _, sentence := range splitSentences(content) {
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(sentence) > summaryMaxCharacters {
			break
		}
		b.WriteString(sentence)
	}
	if b.Len() == 0 {
		runes := []rune(content)
		return string(runes[:summaryMaxCharacters]) + "..."
	}
	return strings.TrimSpace(b.String()) + " ..."
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			end := i + utf8.RuneLen(r)
			out = append(out, s[start:end])
			start = end
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
