// Package storage persists chat transcripts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/session"
)

// ChatStore loads and saves whole sessions by id
type ChatStore interface {
	session.Persistence
	Close() error
}

// SQLiteChatStore implements ChatStore using libsql
type SQLiteChatStore struct {
	db *sql.DB
}

// NewChatStore opens (or creates) the transcript database at dbPath
func NewChatStore(dbPath string) (*SQLiteChatStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteChatStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug("Chat store initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteChatStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	return nil
}

// Save replaces the stored copy of a session
func (s *SQLiteChatStore) Save(ctx context.Context, sess *session.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, title, system_prompt, context_note_id, metadata, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			system_prompt = excluded.system_prompt,
			context_note_id = excluded.context_note_id,
			metadata = excluded.metadata,
			last_active_at = excluded.last_active_at`,
		sess.ID, sess.Title, sess.SystemPrompt, sess.ContextNoteID, string(metadata),
		formatTime(sess.CreatedAt), formatTime(sess.LastActiveAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range sess.Messages {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_call_id, name)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.Name)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Load reads a session and its messages in order
func (s *SQLiteChatStore) Load(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, system_prompt, context_note_id, metadata, created_at, last_active_at
		FROM sessions WHERE id = ?`, id)

	var (
		sess                  session.Session
		metadata              sql.NullString
		createdAt, lastActive string
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.SystemPrompt, &sess.ContextNoteID, &metadata, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActiveAt = parseTime(lastActive)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			log.Warn("Failed to unmarshal session metadata", "id", id, "error", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role, content, tool_calls, tool_call_id, name
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	sess.Messages = []llm.Message{}
	for rows.Next() {
		var (
			msg       llm.Message
			role      string
			toolCalls sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.Name); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				log.Warn("Failed to unmarshal tool calls", "id", id, "error", err)
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return &sess, nil
}

// Delete removes a session and its messages
func (s *SQLiteChatStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.ErrNotFound
	}
	return tx.Commit()
}

// List returns summaries of every stored session, most recent first
func (s *SQLiteChatStore) List(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.title, s.created_at, s.last_active_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		var (
			sum                   session.Summary
			createdAt, lastActive string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &lastActive, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.LastActiveAt = parseTime(lastActive)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stats returns row counts
func (s *SQLiteChatStore) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	for key, q := range map[string]string{
		"sessions": "SELECT COUNT(*) FROM sessions",
		"messages": "SELECT COUNT(*) FROM messages",
	} {
		var n int
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", key, err)
		}
		stats[key] = n
	}
	return stats, nil
}

// Close closes the database connection
func (s *SQLiteChatStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'New Chat',
		system_prompt TEXT NOT NULL DEFAULT '',
		context_note_id TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TEXT NOT NULL,
		last_active_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant', 'tool')),
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at DESC)`,
}
