package requests

import (
	"fmt"
	"time"

	"dispatch-service/internal/matching"
	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
)

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Assigned reports whether a request in this status must carry a technician.
func (s Status) Assigned() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

var (
	ErrRequestNotFound       = apperr.New(apperr.KindNotFound, "service request not found")
	ErrRequestNotPending     = apperr.New(apperr.KindConflict, "service request is no longer pending")
	ErrInvalidTransition     = apperr.New(apperr.KindConflict, "invalid service request transition")
	ErrTechnicianUnavailable = apperr.New(apperr.KindConflict, "technician is not available")
	ErrCategoryMismatch      = apperr.New(apperr.KindValidation, "technician does not serve this category")
	ErrInvalidVerification   = apperr.New(apperr.KindForbidden, "verification token does not match")
	ErrNotAssignedTechnician = apperr.New(apperr.KindForbidden, "only the assigned technician may do this")

	// ErrAlreadyAssigned is returned when a concurrent caller claimed the
	// request between our read and our conditional update.
	ErrAlreadyAssigned = fmt.Errorf("%w: already assigned", ErrRequestNotPending)
)

// ServiceRequest is a client's request for a technician.
type ServiceRequest struct {
	ID           string               `json:"id"`
	ClientID     string               `json:"client_id"`
	Category     technicians.Category `json:"category"`
	Location     geo.Coordinate       `json:"location"`
	Address      string               `json:"address"`
	Status       Status               `json:"status"`
	TechnicianID *string              `json:"technician_id,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// AssignedTo reports whether technicianID holds the request.
func (r *ServiceRequest) AssignedTo(technicianID string) bool {
	return r.TechnicianID != nil && *r.TechnicianID == technicianID
}

// Outcome of an assignment attempt that did not fail.
type Outcome string

const (
	OutcomeAssigned               Outcome = "assigned"
	OutcomeNoTechniciansAvailable Outcome = "no_technicians_available"
)

// AssignmentResult is returned by AutoAssign and AcceptManually.
// Candidate and SessionID are set only when Outcome is OutcomeAssigned.
type AssignmentResult struct {
	Outcome   Outcome             `json:"outcome"`
	Request   *ServiceRequest     `json:"request"`
	Candidate *matching.Candidate `json:"candidate,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
}

// CreateRequest is the body for POST /requests.
type CreateRequest struct {
	Category string   `json:"category" validate:"required,oneof=electrician mechanic plumber"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
	Address  string   `json:"address" validate:"max=500"`
}

// LocateRequest is the optional body for POST /requests/{id}/auto-assign.
// Missing coordinates fall back to the request's own location.
type LocateRequest struct {
	Lat *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng *float64 `json:"lng" validate:"omitempty,longitude"`
}

// AcceptRequest is the body for POST /requests/{id}/accept.
type AcceptRequest struct {
	TechnicianID string `json:"technician_id"`
}

// CompleteRequest is the body for POST /requests/{id}/complete.
type CompleteRequest struct {
	Token string `json:"token" validate:"required"`
}
