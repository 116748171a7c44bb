package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Session)}
}

// Create inserts a new session record.
func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[session.ID]; ok {
		return ErrAlreadyExists
	}

	now := time.Now()
	cp := cloneSession(session)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.records[session.ID] = cp

	session.CreatedAt = cp.CreatedAt
	session.UpdatedAt = cp.UpdatedAt
	return nil
}

// Get retrieves a session by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// GetByExternal looks a session up by (kind, externalID). An empty kind
// matches any kind.
func (s *MemoryStore) GetByExternal(ctx context.Context, kind, externalID string) (*Session, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.records {
		if session.ExternalID != externalID {
			continue
		}
		if kind == "" || session.Kind == kind {
			return cloneSession(session), nil
		}
	}
	return nil, ErrNotFound
}

// GetByChannel looks a session up by its transcript-surface id.
func (s *MemoryStore) GetByChannel(ctx context.Context, channelID string) (*Session, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.records {
		if session.ChannelID == channelID {
			return cloneSession(session), nil
		}
	}
	return nil, ErrNotFound
}

// ListByRunner returns a runner's sessions.
func (s *MemoryStore) ListByRunner(ctx context.Context, runnerID string, activeOnly bool) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Session
	for _, session := range s.records {
		if session.RunnerID != runnerID {
			continue
		}
		if activeOnly && session.Status != StatusActive {
			continue
		}
		result = append(result, cloneSession(session))
	}
	return result, nil
}

// Update replaces an existing session record.
func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[session.ID]
	if !ok {
		return ErrNotFound
	}

	cp := cloneSession(session)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.records[session.ID] = cp

	session.UpdatedAt = cp.UpdatedAt
	return nil
}

func cloneSession(sess *Session) *Session {
	cp := *sess
	if sess.Options != nil {
		cp.Options = make(map[string]string, len(sess.Options))
		for k, v := range sess.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}
