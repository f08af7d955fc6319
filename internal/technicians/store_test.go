package technicians

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-service/pkg/geo"
)

func ptr(f float64) *float64 { return &f }

// storeContract runs the LocationStore behaviour every backend must share.
func storeContract(t *testing.T, newStore func(t *testing.T) LocationStore) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("register starts offline without position", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "t1", CategoryPlumber, 4.5))
		require.NoError(t, s.Register(ctx, "t1", CategoryMechanic, 1))

		rec, err := s.GetLocation(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, CategoryPlumber, rec.Category)
		assert.Equal(t, Offline, rec.Availability)
		assert.Equal(t, 4.5, rec.Rating)
		_, ok := rec.Position()
		assert.False(t, ok)
		assert.True(t, rec.UpdatedAt.IsZero())
	})

	t.Run("unknown technician", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetLocation(ctx, "ghost")
		assert.True(t, errors.Is(err, ErrTechnicianNotFound))

		_, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "ghost", ReportedAt: t0})
		assert.True(t, errors.Is(err, ErrTechnicianNotFound))

		_, err = s.SetAvailability(ctx, "ghost", Available, t0)
		assert.True(t, errors.Is(err, ErrTechnicianNotFound))
	})

	t.Run("older report delivered later is dropped", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "t1", CategoryPlumber, 5))

		t1 := t0.Add(10 * time.Second)
		t2 := t0.Add(5 * time.Second)

		applied, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 12.1, Lng: 77.1, Accuracy: ptr(5), ReportedAt: t1})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 13, Lng: 78, ReportedAt: t2})
		require.NoError(t, err)
		assert.False(t, applied)

		rec, err := s.GetLocation(ctx, "t1")
		require.NoError(t, err)
		pos, ok := rec.Position()
		require.True(t, ok)
		assert.Equal(t, 12.1, pos.Lat)
		assert.Equal(t, 77.1, pos.Lng)
		require.NotNil(t, rec.Accuracy)
		assert.Equal(t, 5.0, *rec.Accuracy)
		assert.True(t, rec.UpdatedAt.Equal(t1))
	})

	t.Run("equal timestamps apply", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "t1", CategoryPlumber, 5))
		_, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 1, Lng: 1, ReportedAt: t0})
		require.NoError(t, err)
		applied, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 2, Lng: 2, ReportedAt: t0})
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("available by category", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "p1", CategoryPlumber, 5))
		require.NoError(t, s.Register(ctx, "p2", CategoryPlumber, 4))
		require.NoError(t, s.Register(ctx, "p3", CategoryPlumber, 4))
		require.NoError(t, s.Register(ctx, "e1", CategoryElectrician, 5))

		// p1 available with position
		_, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "p1", Lat: 12, Lng: 77, Availability: Available, ReportedAt: t0})
		require.NoError(t, err)
		// p2 available but never reported a position
		_, err = s.SetAvailability(ctx, "p2", Available, t0)
		require.NoError(t, err)
		// p3 has a position but is busy
		_, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "p3", Lat: 12, Lng: 77, Availability: Busy, ReportedAt: t0})
		require.NoError(t, err)
		// e1 is another category
		_, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "e1", Lat: 12, Lng: 77, Availability: Available, ReportedAt: t0})
		require.NoError(t, err)

		got, err := s.AvailableByCategory(ctx, CategoryPlumber)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "p1", got[0].ID)
		assert.Equal(t, 5.0, got[0].Rating)

		// going offline removes p1
		_, err = s.SetAvailability(ctx, "p1", Offline, t0.Add(time.Second))
		require.NoError(t, err)
		got, err = s.AvailableByCategory(ctx, CategoryPlumber)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("polar positions stay searchable", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "arctic", CategoryMechanic, 5))
		applied, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "arctic", Lat: 89, Lng: 10, Availability: Available, ReportedAt: t0})
		require.NoError(t, err)
		assert.True(t, applied)

		rec, err := s.GetLocation(ctx, "arctic")
		require.NoError(t, err)
		assert.Equal(t, 89.0, *rec.Lat)
		assert.Equal(t, t0, rec.UpdatedAt)

		got, err := s.AvailableByCategory(ctx, CategoryMechanic)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "arctic", got[0].ID)

		if rs, ok := s.(RadiusSearcher); ok {
			near, err := rs.AvailableWithin(ctx, CategoryMechanic, geo.Coordinate{Lat: 88.9, Lng: 10}, 50)
			require.NoError(t, err)
			require.Len(t, near, 1)
			assert.Equal(t, "arctic", near[0].ID)

			near, err = rs.AvailableWithin(ctx, CategoryMechanic, geo.Coordinate{Lat: 84.9, Lng: 10}, 50)
			require.NoError(t, err)
			for _, tech := range near {
				assert.Equal(t, "arctic", tech.ID)
			}
		}

		// moving south of the limit and going offline both keep the indexes consistent
		_, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "arctic", Lat: 60, Lng: 10, ReportedAt: t0.Add(time.Second)})
		require.NoError(t, err)
		got, err = s.AvailableByCategory(ctx, CategoryMechanic)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 60.0, got[0].Lat)

		_, err = s.SetAvailability(ctx, "arctic", Offline, t0.Add(2*time.Second))
		require.NoError(t, err)
		got, err = s.AvailableByCategory(ctx, CategoryMechanic)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("report without availability keeps stored", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Register(ctx, "t1", CategoryMechanic, 5))
		_, err := s.SetAvailability(ctx, "t1", Available, t0)
		require.NoError(t, err)
		_, err = s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 1, Lng: 2, ReportedAt: t0.Add(time.Second)})
		require.NoError(t, err)

		rec, err := s.GetLocation(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, Available, rec.Availability)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(*testing.T) LocationStore { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Register(ctx, "t1", CategoryPlumber, 5))
	_, err := s.UpsertLocation(ctx, LocationUpdate{TechnicianID: "t1", Lat: 1, Lng: 1, ReportedAt: time.Now()})
	require.NoError(t, err)

	rec, err := s.GetLocation(ctx, "t1")
	require.NoError(t, err)
	*rec.Lat = 50

	rec, err = s.GetLocation(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, *rec.Lat)
}

func TestParse(t *testing.T) {
	c, err := ParseCategory("plumber")
	require.NoError(t, err)
	assert.Equal(t, CategoryPlumber, c)

	_, err = ParseCategory("carpenter")
	assert.True(t, errors.Is(err, ErrInvalidCategory))

	a, err := ParseAvailability("busy")
	require.NoError(t, err)
	assert.Equal(t, Busy, a)

	_, err = ParseAvailability("asleep")
	assert.True(t, errors.Is(err, ErrInvalidAvailability))
}
