package runners

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Runner
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Runner)}
}

// Create inserts a new runner record.
func (s *MemoryStore) Create(ctx context.Context, runner *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[runner.ID]; ok {
		return ErrAlreadyExists
	}

	now := time.Now()
	cp := cloneRunner(runner)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.records[runner.ID] = cp

	runner.CreatedAt = cp.CreatedAt
	runner.UpdatedAt = cp.UpdatedAt
	return nil
}

// Get retrieves a runner by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runner, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRunner(runner), nil
}

// GetByToken retrieves the runner holding a shared token.
func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*Runner, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, runner := range s.records {
		if runner.Token == token {
			return cloneRunner(runner), nil
		}
	}
	return nil, ErrNotFound
}

// List returns all runner records.
func (s *MemoryStore) List(ctx context.Context) ([]*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Runner, 0, len(s.records))
	for _, runner := range s.records {
		result = append(result, cloneRunner(runner))
	}
	return result, nil
}

// Update replaces an existing runner record.
func (s *MemoryStore) Update(ctx context.Context, runner *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[runner.ID]
	if !ok {
		return ErrNotFound
	}

	cp := cloneRunner(runner)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.records[runner.ID] = cp

	runner.UpdatedAt = cp.UpdatedAt
	return nil
}

// Delete removes a runner record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func cloneRunner(r *Runner) *Runner {
	cp := *r
	if r.AuthorizedUsers != nil {
		cp.AuthorizedUsers = append([]string(nil), r.AuthorizedUsers...)
	}
	if r.Capabilities != nil {
		cp.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Defaults != nil {
		cp.Defaults = make(map[string]map[string]string, len(r.Defaults))
		for cap, opts := range r.Defaults {
			inner := make(map[string]string, len(opts))
			for k, v := range opts {
				inner[k] = v
			}
			cp.Defaults[cap] = inner
		}
	}
	return &cp
}
