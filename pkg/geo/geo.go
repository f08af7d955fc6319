// Package geo holds the single great-circle distance implementation used by
// matching, manual assignment and location ingest.
package geo

import (
	"fmt"
	"math"

	"dispatch-service/pkg/apperr"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned for latitudes outside [-90,90] or
// longitudes outside [-180,180].
var ErrInvalidCoordinate = apperr.New(apperr.KindValidation, "invalid coordinate")

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinate bounds.
func (c Coordinate) Validate() error {
	return Validate(c.Lat, c.Lng)
}

// Validate checks that lat/lng are finite and within range.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) ||
		lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, lat, lng)
	}
	return nil
}

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b Coordinate) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a a hair past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Box is a lat/lng rectangle that contains every point within some radius
// of a center. It over-approximates; callers still filter with DistanceKm.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box enclosing the circle of radiusKm around c. Near
// the poles or across the antimeridian the longitude range widens to the
// full [-180,180].
func BoundingBox(c Coordinate, radiusKm float64) Box {
	delta := radiusKm / EarthRadiusKm // angular radius, radians
	deltaDeg := delta * 180 / math.Pi

	box := Box{
		MinLat: math.Max(-90, c.Lat-deltaDeg),
		MaxLat: math.Min(90, c.Lat+deltaDeg),
		MinLng: -180,
		MaxLng: 180,
	}

	cosLat := math.Cos(c.Lat * math.Pi / 180)
	sinDelta := math.Sin(math.Min(delta, math.Pi/2))
	if box.MinLat == -90 || box.MaxLat == 90 || sinDelta >= cosLat {
		return box
	}
	dLng := math.Asin(sinDelta/cosLat) * 180 / math.Pi
	if c.Lng-dLng < -180 || c.Lng+dLng > 180 {
		return box
	}
	box.MinLng = c.Lng - dLng
	box.MaxLng = c.Lng + dLng
	return box
}

// Contains reports whether p lies inside b.
func (b Box) Contains(p Coordinate) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}
