package technicians

import (
	"fmt"
	"time"

	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
)

// Category is the trade a technician serves.
type Category string

const (
	CategoryElectrician Category = "electrician"
	CategoryMechanic    Category = "mechanic"
	CategoryPlumber     Category = "plumber"
)

// Categories lists every valid category.
var Categories = []Category{CategoryElectrician, CategoryMechanic, CategoryPlumber}

// ErrInvalidCategory is returned for an unknown service category.
var ErrInvalidCategory = apperr.New(apperr.KindValidation, "invalid service category")

// ParseCategory validates s.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Availability is the technician's self-reported status.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// ErrInvalidAvailability is returned for an unknown availability value.
var ErrInvalidAvailability = apperr.New(apperr.KindValidation, "invalid availability")

// ParseAvailability validates s.
func ParseAvailability(s string) (Availability, error) {
	switch a := Availability(s); a {
	case Available, Busy, Offline:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAvailability, s)
}

// LocationRecord is the latest known state of one technician.
type LocationRecord struct {
	TechnicianID string       `json:"technician_id"`
	Category     Category     `json:"category"`
	Lat          *float64     `json:"lat,omitempty"`
	Lng          *float64     `json:"lng,omitempty"`
	Accuracy     *float64     `json:"accuracy,omitempty"`
	Heading      *float64     `json:"heading,omitempty"`
	Speed        *float64     `json:"speed,omitempty"`
	Availability Availability `json:"availability"`
	Rating       float64      `json:"rating"`
	// UpdatedAt is the reported time of the last applied update; zero until
	// the first one.
	UpdatedAt time.Time `json:"updated_at"`
}

// Position returns the last known coordinate, or false if none was reported.
func (r *LocationRecord) Position() (geo.Coordinate, bool) {
	if r.Lat == nil || r.Lng == nil {
		return geo.Coordinate{}, false
	}
	return geo.Coordinate{Lat: *r.Lat, Lng: *r.Lng}, true
}

// LocationUpdate is one position report.
type LocationUpdate struct {
	TechnicianID string
	Lat, Lng     float64
	Accuracy     *float64
	Heading      *float64
	Speed        *float64
	// Availability is left unchanged when empty.
	Availability Availability
	ReportedAt   time.Time
}

// Technician is a matchable technician: available with a known position.
type Technician struct {
	ID     string  `json:"id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Rating float64 `json:"rating"`
}

// Coordinate returns the technician's position.
func (t Technician) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: t.Lat, Lng: t.Lng}
}

// AvailabilityRequest is the body for PUT /technicians/me/availability.
type AvailabilityRequest struct {
	Availability string `json:"availability" validate:"required,oneof=available busy offline"`
}
