// Package vectordb stores notes and their embeddings in libsql and answers
// similarity queries over them.
package vectordb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	libsqlvector "github.com/ryanskidmore/libsql-vector-go"
	_ "github.com/tursodatabase/go-libsql"
)

// ErrNotFound is returned when a note id is unknown
var ErrNotFound = errors.New("note not found")

// Note is one indexed note. Folder notes have empty Content.
type Note struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Path      string    `json:"path,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Match is a note with its cosine similarity to a query embedding
type Match struct {
	Note       Note    `json:"note"`
	Similarity float64 `json:"similarity"`
}

// SearchOptions narrows a similarity query. ScopeID restricts results to
// the scope note and its descendants.
type SearchOptions struct {
	Limit     int
	Threshold float64
	ScopeID   string
}

// Stats summarizes the index
type Stats struct {
	Notes      int       `json:"notes"`
	Embedded   int       `json:"embedded"`
	Dimensions int       `json:"dimensions"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Index is a libsql-backed note and embedding store
type Index struct {
	db    *sql.DB
	cache sync.Map // id -> Note
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	embedding BLOB,
	embedding_dimensions INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notes_parent ON notes(parent_id);
CREATE INDEX IF NOT EXISTS idx_notes_hash ON notes(hash);
`

// Open creates or opens notes.db under dataDir
func Open(dataDir string) (*Index, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+filepath.Join(dataDir, "notes.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ix := &Index{db: db}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debug("Note index opened", "dir", dataDir)
	return ix, nil
}

// Close releases the database
func (ix *Index) Close() error {
	return ix.db.Close()
}

// ContentHash returns the hash used to skip re-embedding unchanged notes
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Upsert stores a note. A nil embedding keeps the note out of similarity
// results but still makes it readable.
func (ix *Index) Upsert(ctx context.Context, note Note, embedding []float32) error {
	if note.ID == "" {
		return fmt.Errorf("note id cannot be empty")
	}
	now := time.Now().UTC()
	note.Hash = ContentHash(note.Title + "\n" + note.Content)
	note.UpdatedAt = now
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
		if existing, err := ix.Get(ctx, note.ID); err == nil {
			note.CreatedAt = existing.CreatedAt
		}
	}

	// vector32 takes the "[1,2,3]" text form
	embeddingExpr := "NULL"
	args := []any{
		note.ID, note.ParentID, note.Title, note.Content, note.Path, note.Hash,
		note.CreatedAt.Format(time.RFC3339Nano), note.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(embedding) > 0 {
		embeddingExpr = "vector32(?)"
		args = append(args, libsqlvector.NewVector(embedding).String())
	}
	args = append(args, len(embedding))

	_, err := ix.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO notes (
		id, parent_id, title, content, path, hash, created_at, updated_at,
		embedding, embedding_dimensions
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, `+embeddingExpr+`, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to store note %s: %w", note.ID, err)
	}

	ix.cache.Store(note.ID, note)
	return nil
}

// StoredHash returns the content hash recorded for id, or "" if absent
func (ix *Index) StoredHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := ix.db.QueryRowContext(ctx, `SELECT hash FROM notes WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read hash: %w", err)
	}
	return hash, nil
}

const noteColumns = `id, parent_id, title, content, path, hash, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner, extra ...any) (Note, error) {
	var n Note
	var created, updated string
	dest := append([]any{&n.ID, &n.ParentID, &n.Title, &n.Content, &n.Path, &n.Hash, &created, &updated}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Note{}, err
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return n, nil
}

// Get returns a note by id
func (ix *Index) Get(ctx context.Context, id string) (*Note, error) {
	if cached, ok := ix.cache.Load(id); ok {
		n := cached.(Note)
		return &n, nil
	}

	row := ix.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read note %s: %w", id, err)
	}
	ix.cache.Store(id, n)
	return &n, nil
}

// List returns every note ordered by id
func (ix *Index) List(ctx context.Context) ([]Note, error) {
	return ix.query(ctx, `SELECT `+noteColumns+` FROM notes ORDER BY id`)
}

// Children returns the direct children of a note
func (ix *Index) Children(ctx context.Context, parentID string) ([]Note, error) {
	return ix.query(ctx, `SELECT `+noteColumns+` FROM notes WHERE parent_id = ? ORDER BY id`, parentID)
}

func (ix *Index) query(ctx context.Context, q string, args ...any) ([]Note, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Delete removes a note and its descendants
func (ix *Index) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("note id cannot be empty")
	}
	_, err := ix.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ? OR id LIKE ? ESCAPE '\'`, id, likePrefix(id))
	if err != nil {
		return fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	ix.cache.Range(func(key, _ any) bool {
		k := key.(string)
		if k == id || strings.HasPrefix(k, id+"/") {
			ix.cache.Delete(k)
		}
		return true
	})
	return nil
}

// FindSimilar ranks embedded notes by cosine similarity to embedding
func (ix *Index) FindSimilar(ctx context.Context, embedding []float32, opts SearchOptions) ([]Match, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding cannot be empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	q := `SELECT ` + noteColumns + `, vector_extract(embedding) FROM notes WHERE embedding IS NOT NULL AND embedding_dimensions = ?`
	args := []any{len(embedding)}
	if opts.ScopeID != "" {
		q += ` AND (id = ? OR id LIKE ? ESCAPE '\')`
		args = append(args, opts.ScopeID, likePrefix(opts.ScopeID))
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var raw string
		n, err := scanNote(rows, &raw)
		if err != nil {
			continue
		}
		var vec libsqlvector.Vector
		if err := vec.Parse(raw); err != nil {
			log.Debug("Skipping unparseable embedding", "id", n.ID, "error", err)
			continue
		}
		sim := CosineSimilarity(embedding, vec.Slice())
		if sim < opts.Threshold {
			continue
		}
		matches = append(matches, Match{Note: n, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// Stats reports counts for the index
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	var last sql.NullString
	err := ix.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(MAX(embedding_dimensions), 0),
		MAX(updated_at)
	FROM notes`).Scan(&s.Notes, &s.Embedded, &s.Dimensions, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		s.LastUpdate, _ = time.Parse(time.RFC3339Nano, last.String)
	}
	return &s, nil
}

func likePrefix(id string) string {
	r := strings.NewReplacer(`%`, `\%`, `_`, `\_`)
	return r.Replace(id) + "/%"
}

// CosineSimilarity returns 0 for mismatched or zero vectors
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
