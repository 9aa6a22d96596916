package notes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/notechat/internal/embeddings"
)

func TestWatcherReindexesOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "first.md", "# First")
	ix := newIndex(t)

	loader, err := NewLoader(root, ix, embeddings.NewHashEmbedder(16))
	require.NoError(t, err)
	_, err = loader.Index(context.Background())
	require.NoError(t, err)

	results := make(chan *Result, 4)
	w, err := NewWatcher(loader, WithDebounce(50*time.Millisecond), OnIndexed(func(r *Result) { results <- r }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// Run registers the tree before reading events
	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "projects/second.md", "# Second\n\nnew note")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-results:
			if _, err := ix.Get(ctx, "projects/second"); err == nil {
				assert.GreaterOrEqual(t, r.Indexed, 1)
				return
			}
		case <-deadline:
			t.Fatal("watcher did not reindex the new note")
		}
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	loader, err := NewLoader(root, newIndex(t), nil)
	require.NoError(t, err)
	w, err := NewWatcher(loader)
	require.NoError(t, err)
	defer w.watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.png"), []byte("x"), 0o644))
	w.handleEvent(fsnotifyEvent(filepath.Join(root, "photo.png")))
	w.handleEvent(fsnotifyEvent(filepath.Join(root, ".git", "index")))
	assert.Empty(t, w.pending)

	w.handleEvent(fsnotifyEvent(filepath.Join(root, "note.md")))
	assert.Len(t, w.pending, 1)
}

func fsnotifyEvent(name string) fsnotify.Event {
	return fsnotify.Event{Name: name, Op: fsnotify.Write}
}
