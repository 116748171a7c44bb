package approvals

import (
	"errors"
	"sync"
	"time"
)

// ErrRequestNotFound is returned by Get for unknown request ids.
var ErrRequestNotFound = errors.New("permission request not found")

// Store holds outstanding permission requests, keyed by request id with a
// secondary index by runner id for pending-action counts. It also remembers
// each user's default approval scope.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*Request
	byRunner map[string]map[string]struct{}
	scopes   map[string]Scope
}

// NewStore creates an empty permission store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*Request),
		byRunner: make(map[string]map[string]struct{}),
		scopes:   make(map[string]Scope),
	}
}

// Save inserts or replaces a request, marking it pending.
func (s *Store) Save(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	cp.Status = StatusPending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	if existing, ok := s.requests[cp.ID]; ok && existing.RunnerID != cp.RunnerID {
		s.unindexLocked(existing)
	}
	s.requests[cp.ID] = &cp

	idx, ok := s.byRunner[cp.RunnerID]
	if !ok {
		idx = make(map[string]struct{})
		s.byRunner[cp.RunnerID] = idx
	}
	idx[cp.ID] = struct{}{}
}

// Get retrieves a request by id.
func (s *Store) Get(requestID string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, false
	}
	cp := *req
	return &cp, true
}

// Complete marks a request terminal. Completing an already-completed or
// unknown request is a no-op; the first completion reports true.
func (s *Store) Complete(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.Status == StatusCompleted {
		return false
	}
	req.Status = StatusCompleted
	req.CompletedAt = time.Now()
	s.unindexLocked(req)
	return true
}

// Reopen returns a completed request to pending so a later decision can claim
// it again, used when delivering the decision failed after the claim.
func (s *Store) Reopen(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return
	}
	req.Status = StatusPending
	req.CompletedAt = time.Time{}

	idx, ok := s.byRunner[req.RunnerID]
	if !ok {
		idx = make(map[string]struct{})
		s.byRunner[req.RunnerID] = idx
	}
	idx[req.ID] = struct{}{}
}

// UpdateRendering records where the prompt was rendered.
func (s *Store) UpdateRendering(requestID, channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.requests[requestID]; ok {
		req.ChannelID = channelID
		req.MessageID = messageID
	}
}

// UpdateScope changes the selected scope on a pending request.
func (s *Store) UpdateScope(requestID string, scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.requests[requestID]; ok && req.Status == StatusPending {
		req.Scope = scope
	}
}

// PendingByRunner counts a runner's outstanding requests.
func (s *Store) PendingByRunner(runnerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRunner[runnerID])
}

// DefaultScope returns the user's remembered approval scope.
func (s *Store) DefaultScope(userID string) Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if scope, ok := s.scopes[userID]; ok {
		return scope
	}
	return ScopeSession
}

// SetDefaultScope remembers a user's approval scope.
func (s *Store) SetDefaultScope(userID string, scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[userID] = scope
}

// unindexLocked must be called with s.mu held.
func (s *Store) unindexLocked(req *Request) {
	if idx, ok := s.byRunner[req.RunnerID]; ok {
		delete(idx, req.ID)
		if len(idx) == 0 {
			delete(s.byRunner, req.RunnerID)
		}
	}
}
