package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Persistence stores transcripts beyond the life of the process. Load
// returns ErrNotFound for unknown ids.
type Persistence interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Summary, error)
}

// CreateParams are the optional fields of a new session
type CreateParams struct {
	ID            string
	Title         string
	SystemPrompt  string
	ContextNoteID string
	Metadata      Metadata
}

// Option configures a Store
type Option func(*Store)

// WithTTL sets how long an idle session stays in memory
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPersistence backs the store with durable storage
func WithPersistence(p Persistence) Option {
	return func(s *Store) {
		s.persistence = p
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the process-wide session registry. The map is guarded by mu;
// turns against one session are serialized with Acquire.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*turnLock

	ttl         time.Duration
	persistence Persistence
	now         func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*turnLock),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session
func (s *Store) Create(ctx context.Context, params CreateParams) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:            params.ID,
		Title:         params.Title,
		SystemPrompt:  params.SystemPrompt,
		ContextNoteID: params.ContextNoteID,
		Metadata:      params.Metadata,
		Messages:      []llm.Message{},
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle
	}

	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	log.Debug("Session created", "id", sess.ID)
	return snapshot, nil
}

// Get returns a copy of the session, loading it from persistence when it
// is not in memory.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if ok {
		c := sess.Clone()
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	if s.persistence == nil {
		return nil, ErrNotFound
	}
	loaded, err := s.persistence.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing.Clone(), nil
	}
	s.sessions[id] = loaded
	return loaded.Clone(), nil
}

// GetOrCreate returns the session with params.ID, creating it if unknown
func (s *Store) GetOrCreate(ctx context.Context, params CreateParams) (*Session, error) {
	if params.ID != "" {
		sess, err := s.Get(ctx, params.ID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	sess, err := s.Create(ctx, params)
	if err != nil && params.ID != "" {
		// lost a creation race
		return s.Get(ctx, params.ID)
	}
	return sess, err
}

// Update applies fn to the stored session under the write lock, refreshes
// LastActiveAt and persists the result. fn must not retain the pointer.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	working := sess.Clone()
	if err := fn(working); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	working.ID = id
	working.LastActiveAt = s.now()
	s.sessions[id] = working
	snapshot := working.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return snapshot, nil
}

// Delete removes a session from memory and persistence
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, inMemory := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	s.dropLock(id)

	if s.persistence == nil {
		if !inMemory {
			return ErrNotFound
		}
		return nil
	}
	if err := s.persistence.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) && inMemory {
			return nil
		}
		return err
	}
	return nil
}

// List returns summaries, most recently active first
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	byID := make(map[string]Summary)
	if s.persistence != nil {
		persisted, err := s.persistence.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, sum := range persisted {
			byID[sum.ID] = sum
		}
	}

	s.mu.RLock()
	for id, sess := range s.sessions {
		byID[id] = sess.Summary()
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, sum)
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.LastActiveAt.Compare(a.LastActiveAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Len returns the number of sessions held in memory
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle longer than the TTL and returns how many were
// removed. Persisted copies are kept. Sessions with a running turn stay.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if !sess.LastActiveAt.Before(cutoff) || s.isLocked(id) {
			continue
		}
		delete(s.sessions, id)
		s.dropLock(id)
		removed++
	}
	if removed > 0 {
		log.Info("Swept idle sessions", "removed", removed, "remaining", len(s.sessions))
	}
	return removed
}

// RunSweeper sweeps on every tick until ctx is done
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// turnLock is held by at most one turn. refs counts the holder and waiters
// so the lock is not dropped while anyone still references it.
type turnLock struct {
	ch   chan struct{}
	refs int
}

// Acquire serializes turns for one session. It blocks until the session is
// free or ctx is done; the returned func releases the lock.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	s.locksMu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &turnLock{ch: make(chan struct{}, 1)}
		s.locks[id] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(id, lock)
		return nil, fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			s.unref(id, lock)
		})
	}, nil
}

func (s *Store) unref(id string, lock *turnLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock.refs--
	if lock.refs == 0 && s.locks[id] == lock {
		delete(s.locks, id)
	}
}

func (s *Store) isLocked(id string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[id]
	return ok && len(lock.ch) > 0
}

// dropLock forgets an unreferenced lock
func (s *Store) dropLock(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if lock, ok := s.locks[id]; ok && lock.refs == 0 {
		delete(s.locks, id)
	}
}

func (s *Store) persist(ctx context.Context, sess *Session) {
	if s.persistence == nil {
		return
	}
	// a cancelled turn still records what it produced
	if err := s.persistence.Save(context.WithoutCancel(ctx), sess); err != nil {
		log.Error("Failed to persist session", "id", sess.ID, "error", err)
	}
}
