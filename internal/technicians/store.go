package technicians

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
)

// ErrTechnicianNotFound is returned for an unregistered technician.
var ErrTechnicianNotFound = apperr.New(apperr.KindNotFound, "technician not found")

// LocationStore holds each technician's latest position and availability.
// Every write is guarded by reported time: an update older than the stored
// one is dropped and reported as not applied.
type LocationStore interface {
	// Register creates an offline record without a position. Registering an
	// existing technician is a no-op.
	Register(ctx context.Context, technicianID string, category Category, rating float64) error

	// UpsertLocation applies u unless it is older than the stored record.
	UpsertLocation(ctx context.Context, u LocationUpdate) (applied bool, err error)

	// SetAvailability changes availability only, with the same guard.
	SetAvailability(ctx context.Context, technicianID string, a Availability, at time.Time) (applied bool, err error)

	// AvailableByCategory returns available technicians with a known position.
	AvailableByCategory(ctx context.Context, category Category) ([]Technician, error)

	// GetLocation returns the stored record.
	GetLocation(ctx context.Context, technicianID string) (*LocationRecord, error)
}

// RadiusSearcher is implemented by stores that can narrow the candidate set
// to a radius server-side. Results may include technicians slightly outside
// the radius; callers filter with geo.DistanceKm.
type RadiusSearcher interface {
	AvailableWithin(ctx context.Context, category Category, origin geo.Coordinate, radiusKm float64) ([]Technician, error)
}

// stale reports whether an update at `at` must be dropped given the stored
// time. Equal times apply.
func stale(stored, at time.Time) bool {
	return !stored.IsZero() && at.Before(stored)
}

// MemoryStore is an in-process LocationStore. Each method is atomic under mu.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*LocationRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*LocationRecord)}
}

func (m *MemoryStore) Register(_ context.Context, technicianID string, category Category, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[technicianID]; ok {
		return nil
	}
	m.data[technicianID] = &LocationRecord{
		TechnicianID: technicianID,
		Category:     category,
		Availability: Offline,
		Rating:       rating,
	}
	return nil
}

func (m *MemoryStore) UpsertLocation(_ context.Context, u LocationUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[u.TechnicianID]
	if !ok {
		return false, ErrTechnicianNotFound
	}
	if stale(rec.UpdatedAt, u.ReportedAt) {
		return false, nil
	}
	lat, lng := u.Lat, u.Lng
	rec.Lat, rec.Lng = &lat, &lng
	rec.Accuracy = copyFloat(u.Accuracy)
	rec.Heading = copyFloat(u.Heading)
	rec.Speed = copyFloat(u.Speed)
	if u.Availability != "" {
		rec.Availability = u.Availability
	}
	rec.UpdatedAt = u.ReportedAt
	return true, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, technicianID string, a Availability, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[technicianID]
	if !ok {
		return false, ErrTechnicianNotFound
	}
	if stale(rec.UpdatedAt, at) {
		return false, nil
	}
	rec.Availability = a
	rec.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) AvailableByCategory(_ context.Context, category Category) ([]Technician, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Technician
	for _, rec := range m.data {
		if rec.Category != category || rec.Availability != Available {
			continue
		}
		pos, ok := rec.Position()
		if !ok {
			continue
		}
		out = append(out, Technician{ID: rec.TechnicianID, Lat: pos.Lat, Lng: pos.Lng, Rating: rec.Rating})
	}
	// stable order
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetLocation(_ context.Context, technicianID string) (*LocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[technicianID]
	if !ok {
		return nil, ErrTechnicianNotFound
	}
	cp := *rec
	cp.Lat = copyFloat(rec.Lat)
	cp.Lng = copyFloat(rec.Lng)
	cp.Accuracy = copyFloat(rec.Accuracy)
	cp.Heading = copyFloat(rec.Heading)
	cp.Speed = copyFloat(rec.Speed)
	return &cp, nil
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
