package notes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce = 500 * time.Millisecond
	debounceTick    = 100 * time.Millisecond
)

// Indexer is what the watcher triggers after changes settle
type Indexer interface {
	Index(ctx context.Context) (*Result, error)
}

// Watcher reindexes the notes directory when files change
type Watcher struct {
	loader   *Loader
	indexer  Indexer
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	pending   map[string]time.Time
	onIndexed func(*Result)
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce sets how long changes must settle before reindexing
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnIndexed is called after every triggered pass
func OnIndexed(fn func(*Result)) WatcherOption {
	return func(w *Watcher) { w.onIndexed = fn }
}

// NewWatcher watches the loader's root
func NewWatcher(loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w := &Watcher{
		loader:   loader,
		indexer:  loader,
		watcher:  fw,
		debounce: defaultDebounce,
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. The directory tree is registered first,
// so changes made after Run starts are seen.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addRecursive(w.loader.Root()); err != nil {
		return fmt.Errorf("failed to watch notes directory: %w", err)
	}
	log.Info("Watching notes", "root", w.loader.Root())

	ticker := time.NewTicker(debounceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Notes watcher error", "error", err)
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	rel, err := filepath.Rel(w.loader.Root(), event.Name)
	if err != nil || w.loader.ignore.IsIgnored(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Warn("Failed to watch new directory", "path", rel, "error", err)
			}
			w.mark(rel)
			return
		}
	}
	// removals and renames may be directories, which no longer stat
	if !w.loader.Matches(rel) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.mark(rel)
	log.Debug("Note change detected", "path", rel, "op", event.Op.String())
}

func (w *Watcher) mark(rel string) {
	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
}

// processPending reindexes once every pending change has settled
func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	for _, at := range w.pending {
		if now.Sub(at) < w.debounce {
			w.mu.Unlock()
			return
		}
	}
	changed := len(w.pending)
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	log.Debug("Reindexing notes", "changes", changed)
	res, err := w.indexer.Index(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Reindex failed", "error", err)
		}
		return
	}
	if w.onIndexed != nil {
		w.onIndexed(res)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(w.loader.Root(), p); relErr == nil && w.loader.ignore.IsIgnored(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}
