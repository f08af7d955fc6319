package sessions

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions. Create and Transition are single atomic
// operations against the backing store.
type Store interface {
	// Create inserts s, or fails with ErrSessionAlreadyActive when the request
	// already has a non-terminal session.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// LiveForRequest returns the non-terminal session of a request.
	LiveForRequest(ctx context.Context, requestID string) (*Session, error)
	// Transition moves a session from `from` to `to` only if it is still in
	// `from`. endedAt is stored when to is terminal.
	Transition(ctx context.Context, id string, from, to Status, endedAt *time.Time) (applied bool, err error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data {
		if existing.ServiceRequestID == s.ServiceRequestID && !existing.Status.Terminal() {
			return ErrSessionAlreadyActive
		}
	}
	cp := *s
	m.data[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) LiveForRequest(_ context.Context, requestID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.data {
		if s.ServiceRequestID == requestID && !s.Status.Terminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, endedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	if to.Terminal() && endedAt != nil {
		t := *endedAt
		s.EndedAt = &t
	}
	return true, nil
}
