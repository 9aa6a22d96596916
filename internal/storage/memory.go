package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/entrepeneur4lyf/notechat/internal/session"
)

// MemoryChatStore keeps transcripts in process memory
type MemoryChatStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{sessions: make(map[string]*session.Session)}
}

func (m *MemoryChatStore) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryChatStore) Load(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryChatStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryChatStore) List(_ context.Context) ([]session.Summary, error) {
	m.mu.RLock()
	out := make([]session.Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b session.Summary) int {
		return b.LastActiveAt.Compare(a.LastActiveAt)
	})
	return out, nil
}

func (m *MemoryChatStore) Close() error {
	return nil
}
