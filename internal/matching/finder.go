package matching

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/geo"
)

// Defaults used when a query leaves radius or result cap unset.
const (
	DefaultRadiusKm   = 50.0
	DefaultMaxResults = 5
)

// Query describes one candidate search.
type Query struct {
	Category   technicians.Category
	Origin     geo.Coordinate
	RadiusKm   float64 // <= 0 means the finder's configured radius
	MaxResults int     // <= 0 means the finder's configured cap
}

// Candidate is a technician annotated with distance from the origin.
type Candidate struct {
	TechnicianID string         `json:"technician_id"`
	Location     geo.Coordinate `json:"location"`
	Rating       float64        `json:"rating"`
	DistanceKm   float64        `json:"distance_km"`
}

// Config sets the finder's defaults.
type Config struct {
	RadiusKm   float64
	MaxResults int
}

// Finder ranks available technicians by great-circle distance.
type Finder struct {
	store      technicians.LocationStore
	radiusKm   float64
	maxResults int
	log        *zap.Logger
}

// NewFinder creates a finder over store. Zero config values fall back to
// DefaultRadiusKm and DefaultMaxResults.
func NewFinder(store technicians.LocationStore, cfg Config, log *zap.Logger) *Finder {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	return &Finder{
		store:      store,
		radiusKm:   cfg.RadiusKm,
		maxResults: cfg.MaxResults,
		log:        log.Named("matching"),
	}
}

// FindCandidates returns available technicians in q.Category within the
// radius of q.Origin, nearest first with ties broken by technician id, capped
// at the result limit. No match yields an empty slice, not an error.
func (f *Finder) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	if err := q.Origin.Validate(); err != nil {
		return nil, err
	}
	radius := q.RadiusKm
	if radius <= 0 {
		radius = f.radiusKm
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = f.maxResults
	}

	pool, err := f.fetch(ctx, q.Category, q.Origin, radius)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(pool))
	for _, t := range pool {
		d, err := geo.DistanceKm(q.Origin, t.Coordinate())
		if err != nil {
			f.log.Warn("skipping technician with invalid stored position",
				zap.String("technician_id", t.ID), zap.Error(err))
			continue
		}
		if d > radius {
			continue
		}
		out = append(out, Candidate{
			TechnicianID: t.ID,
			Location:     t.Coordinate(),
			Rating:       t.Rating,
			DistanceKm:   d,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].TechnicianID < out[j].TechnicianID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	f.log.Debug("candidates found",
		zap.String("category", string(q.Category)),
		zap.Int("pool", len(pool)),
		zap.Int("returned", len(out)))
	return out, nil
}

func (f *Finder) fetch(ctx context.Context, c technicians.Category, origin geo.Coordinate, radius float64) ([]technicians.Technician, error) {
	if rs, ok := f.store.(technicians.RadiusSearcher); ok {
		return rs.AvailableWithin(ctx, c, origin, radius)
	}
	return f.store.AvailableByCategory(ctx, c)
}
