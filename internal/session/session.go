// Package session keeps conversation state for chat turns.
package session

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// DefaultTitle is given to sessions created without one
const DefaultTitle = "New Chat"

const titleMaxLength = 30

// ErrNotFound is returned for unknown session ids
var ErrNotFound = errors.New("session not found")

// ErrBusy is returned when a turn is already running for a session and the
// caller gave up waiting.
var ErrBusy = errors.New("session is processing another message")

// Metadata holds per-session generation settings
type Metadata struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Model       string   `json:"model,omitempty"`
	Provider    string   `json:"provider,omitempty"`
}

// Session is one conversation. Values handed out by the Store are copies.
type Session struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Messages      []llm.Message `json:"messages"`
	SystemPrompt  string        `json:"systemPrompt,omitempty"`
	ContextNoteID string        `json:"contextNoteId,omitempty"`
	Metadata      Metadata      `json:"metadata"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastActiveAt  time.Time     `json:"lastActiveAt"`
	IsStreaming   bool          `json:"isStreaming"`
}

// Summary is the list view of a session
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	MessageCount int       `json:"messageCount"`
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]llm.Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.ToolCalls != nil {
			m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		c.Messages[i] = m
	}
	if s.Metadata.Temperature != nil {
		t := *s.Metadata.Temperature
		c.Metadata.Temperature = &t
	}
	return &c
}

func (s *Session) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		MessageCount: len(s.Messages),
	}
}

// FirstUserMessage returns the content of the earliest user message
func (s *Session) FirstUserMessage() (string, bool) {
	for _, m := range s.Messages {
		if m.Role == llm.RoleUser {
			return m.Content, true
		}
	}
	return "", false
}

// IsPlaceholderTitle reports whether title was never chosen by anyone
func IsPlaceholderTitle(title string) bool {
	switch strings.TrimSpace(title) {
	case "", DefaultTitle, "Chat Session":
		return true
	}
	return false
}

// TitleFromMessage derives a title from the first line of a message
func TitleFromMessage(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(line) <= titleMaxLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:titleMaxLength-3]) + "..."
}
