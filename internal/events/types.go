// Package events fans chat activity out to observers.
package events

import (
	"time"
)

// EventType identifies the type of event
type EventType string

const (
	SessionCreated EventType = "session.created"
	SessionUpdated EventType = "session.updated"
	SessionDeleted EventType = "session.deleted"

	TurnStarted   EventType = "turn.started"
	TurnCompleted EventType = "turn.completed"
	TurnFailed    EventType = "turn.failed"
	TurnCancelled EventType = "turn.cancelled"

	ToolExecuted EventType = "tool.executed"

	NotesIndexed EventType = "notes.indexed"
)

// Event wraps a payload with routing information
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
}

// EventFilter decides whether a subscriber sees an event
type EventFilter func(EventType, string) bool

// PublishOption configures a published event
type PublishOption func(*publishOptions)

type publishOptions struct {
	sessionID string
}

// WithSessionID tags an event with the session it belongs to
func WithSessionID(sessionID string) PublishOption {
	return func(o *publishOptions) {
		o.sessionID = sessionID
	}
}

// FilterByType accepts only the given event types
func FilterByType(eventTypes ...EventType) EventFilter {
	return func(t EventType, _ string) bool {
		for _, et := range eventTypes {
			if t == et {
				return true
			}
		}
		return false
	}
}

// FilterBySessionID accepts only events for one session
func FilterBySessionID(sessionID string) EventFilter {
	return func(_ EventType, id string) bool {
		return id == sessionID
	}
}

// TurnPayload describes a chat turn
type TurnPayload struct {
	Query      string  `json:"query,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	Model      string  `json:"model,omitempty"`
	ToolRounds int     `json:"toolRounds,omitempty"`
	Sources    int     `json:"sources,omitempty"`
	Truncated  bool    `json:"truncated,omitempty"`
	Error      string  `json:"error,omitempty"`
	Seconds    float64 `json:"seconds,omitempty"`
}

// SessionPayload describes a session lifecycle change
type SessionPayload struct {
	Title string `json:"title,omitempty"`
}

// ToolPayload describes one finished tool call
type ToolPayload struct {
	Tool       string `json:"tool"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Failed     bool   `json:"failed"`
	DurationMS int64  `json:"durationMs"`
}

// IndexPayload summarizes an indexing pass
type IndexPayload struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}
