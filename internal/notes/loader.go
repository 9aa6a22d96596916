// Package notes loads a directory of notes into the vector index.
package notes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/entrepeneur4lyf/notechat/internal/embeddings"
	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/vectordb"
)

const (
	defaultConcurrency = 4
	// maxEmbedChars caps the text sent to the embedding model
	maxEmbedChars = 8000
)

// DefaultPatterns selects the note files that are indexed
var DefaultPatterns = []string{"**/*.md", "**/*.markdown", "**/*.html", "**/*.htm", "**/*.txt"}

// Store is the part of the vector index the loader writes to
type Store interface {
	Upsert(ctx context.Context, note vectordb.Note, embedding []float32) error
	StoredHash(ctx context.Context, id string) (string, error)
	List(ctx context.Context) ([]vectordb.Note, error)
	Delete(ctx context.Context, id string) error
}

// Result counts what an indexing pass did
type Result struct {
	Indexed  int
	Skipped  int
	Removed  int
	Failed   int
	Duration time.Duration
}

// Option configures a Loader
type Option func(*Loader)

// WithPatterns replaces the file patterns
func WithPatterns(patterns ...string) Option {
	return func(l *Loader) {
		if len(patterns) > 0 {
			l.patterns = patterns
		}
	}
}

// WithEventBus publishes a NotesIndexed event after each pass
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loader) { l.bus = bus }
}

// WithConcurrency bounds parallel embedding requests
func WithConcurrency(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// Loader turns files under a root directory into notes. Note ids are the
// slash-separated path without extension; every directory becomes a
// folder note that parents its contents.
type Loader struct {
	root        string
	patterns    []string
	store       Store
	embedder    embeddings.Embedder
	ignore      *IgnoreFilter
	bus         *events.Bus
	concurrency int

	mu sync.Mutex // one pass at a time
}

// NewLoader creates a loader for root
func NewLoader(root string, store Store, embedder embeddings.Embedder, opts ...Option) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notes directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("notes directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("notes directory %s is not a directory", abs)
	}
	l := &Loader{
		root:        abs,
		patterns:    DefaultPatterns,
		store:       store,
		embedder:    embedder,
		ignore:      NewIgnoreFilter(abs),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, p := range l.patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid note pattern %q", p)
		}
	}
	return l, nil
}

// Root returns the absolute notes directory
func (l *Loader) Root() string {
	return l.root
}

// Matches reports whether a path relative to the root is a note file
func (l *Loader) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	if l.ignore.IsIgnored(rel) {
		return false
	}
	for _, p := range l.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Scan reads the notes directory. Unreadable or unparseable files are
// logged and skipped.
func (l *Loader) Scan(ctx context.Context) ([]vectordb.Note, error) {
	files := make(map[string]vectordb.Note)
	indexes := make(map[string]Document) // folder id -> index file
	folders := make(map[string]bool)

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn("Skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if l.ignore.IsIgnored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !l.Matches(rel) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			log.Warn("Skipping unreadable note", "path", rel, "error", err)
			return nil
		}
		doc, err := Parse(rel, data)
		if err != nil {
			log.Warn("Skipping unparseable note", "path", rel, "error", err)
			return nil
		}

		dir := parentOf(rel)
		if dir != "" && isFolderIndex(rel) {
			indexes[dir] = doc
			markFolders(folders, dir)
			return nil
		}

		id := noteID(rel)
		files[id] = vectordb.Note{
			ID:       id,
			ParentID: dir,
			Title:    doc.Title,
			Content:  doc.Content,
			Path:     rel,
		}
		markFolders(folders, dir)
		return nil
	})
	if err != nil {
		return nil, err
	}

	notes := make([]vectordb.Note, 0, len(files)+len(folders))
	for _, n := range files {
		notes = append(notes, n)
	}
	for dir := range folders {
		if _, shadowed := files[dir]; shadowed {
			continue
		}
		notes = append(notes, l.folderNote(dir, indexes[dir], files, folders))
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes, nil
}

func (l *Loader) folderNote(dir string, index Document, files map[string]vectordb.Note, folders map[string]bool) vectordb.Note {
	n := vectordb.Note{
		ID:       dir,
		ParentID: parentOf(dir),
		Title:    path.Base(dir),
		Path:     dir + "/",
	}
	if index.Content != "" {
		if index.Title != "" {
			n.Title = index.Title
		}
		n.Content = index.Content
		return n
	}

	var children []string
	for id, f := range files {
		if f.ParentID == dir {
			children = append(children, "- "+f.Title+" ("+id+")")
		}
	}
	for sub := range folders {
		if parentOf(sub) == dir {
			if _, shadowed := files[sub]; !shadowed {
				children = append(children, "- "+path.Base(sub)+"/ ("+sub+")")
			}
		}
	}
	sort.Strings(children)
	n.Content = "Folder " + n.Title + " contains:\n" + strings.Join(children, "\n")
	return n
}

// Index scans the directory and brings the store up to date. Unchanged
// notes are skipped by content hash; notes whose files are gone are
// removed.
func (l *Loader) Index(ctx context.Context) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	notes, err := l.Scan(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var counts sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for _, note := range notes {
		g.Go(func() error {
			changed, err := l.indexNote(gctx, note)
			counts.Lock()
			defer counts.Unlock()
			switch {
			case err != nil:
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				res.Failed++
				log.Warn("Failed to index note", "id", note.ID, "error", err)
			case changed:
				res.Indexed++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	removed, err := l.removeStale(ctx, notes)
	if err != nil {
		return nil, err
	}
	res.Removed = removed
	res.Duration = time.Since(start)

	log.Info("Indexed notes",
		"root", l.root,
		"indexed", res.Indexed,
		"skipped", res.Skipped,
		"removed", res.Removed,
		"failed", res.Failed,
		"duration", res.Duration.Round(time.Millisecond),
	)
	if l.bus != nil {
		l.bus.Index.Publish(events.NotesIndexed, events.IndexPayload{
			Indexed: res.Indexed,
			Skipped: res.Skipped,
			Removed: res.Removed,
			Failed:  res.Failed,
		})
	}
	return res, nil
}

// indexNote embeds and stores a note unless its stored hash matches. A
// note that fails to embed is left out so the next pass retries it.
func (l *Loader) indexNote(ctx context.Context, note vectordb.Note) (bool, error) {
	stored, err := l.store.StoredHash(ctx, note.ID)
	if err != nil {
		return false, err
	}
	if stored == vectordb.ContentHash(note.Title+"\n"+note.Content) {
		return false, nil
	}

	var embedding []float32
	if l.embedder != nil {
		embedding, err = l.embedder.Embed(ctx, embedText(note))
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("failed to embed: %w", err)
		}
	}
	if err := l.store.Upsert(ctx, note, embedding); err != nil {
		return false, err
	}
	return true, nil
}

// removeStale deletes indexed file notes that are no longer on disk
func (l *Loader) removeStale(ctx context.Context, current []vectordb.Note) (int, error) {
	existing, err := l.store.List(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(current))
	for _, n := range current {
		keep[n.ID] = true
	}

	removed := 0
	for _, n := range existing {
		if n.Path == "" || keep[n.ID] {
			continue
		}
		if err := l.store.Delete(ctx, n.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func embedText(note vectordb.Note) string {
	text := note.Title + "\n\n" + note.Content
	if runes := []rune(text); len(runes) > maxEmbedChars {
		text = string(runes[:maxEmbedChars])
	}
	return text
}

func noteID(rel string) string {
	return strings.TrimSuffix(rel, path.Ext(rel))
}

func parentOf(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func markFolders(folders map[string]bool, dir string) {
	for dir != "" && !folders[dir] {
		folders[dir] = true
		dir = parentOf(dir)
	}
}
