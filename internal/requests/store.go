package requests

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Store persists service requests. Assign and Transition are single
// conditional writes; they never read-then-write.
type Store interface {
	Create(ctx context.Context, r *ServiceRequest) error
	Get(ctx context.Context, id string) (*ServiceRequest, error)
	ListByClient(ctx context.Context, clientID string) ([]ServiceRequest, error)
	// Assign sets status=accepted and the technician only if the request is
	// still pending. applied is false when the request exists but was not.
	Assign(ctx context.Context, id, technicianID string, at time.Time) (applied bool, err error)
	// Transition moves the request to `to` only if its status is one of from.
	Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (applied bool, err error)
}

// MemoryStore is an in-process Store; its mutex stands in for the row lock
// a database takes during a conditional update.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*ServiceRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*ServiceRequest)}
}

func (m *MemoryStore) Create(_ context.Context, r *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string) ([]ServiceRequest, error) {
	m.mu.Lock()
	out := []ServiceRequest{}
	for _, r := range m.data {
		if r.ClientID == clientID {
			out = append(out, *clone(r))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Assign(_ context.Context, id, technicianID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if r.Status != StatusPending {
		return false, nil
	}
	tech := technicianID
	r.Status = StatusAccepted
	r.TechnicianID = &tech
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if !slices.Contains(from, r.Status) {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	return true, nil
}

func clone(r *ServiceRequest) *ServiceRequest {
	cp := *r
	if r.TechnicianID != nil {
		t := *r.TechnicianID
		cp.TechnicianID = &t
	}
	return &cp
}
