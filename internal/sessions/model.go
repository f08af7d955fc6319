package sessions

import (
	"fmt"
	"time"

	"dispatch-service/pkg/apperr"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	ErrSessionNotFound      = apperr.New(apperr.KindNotFound, "session not found")
	ErrSessionAlreadyActive = apperr.New(apperr.KindConflict, "a live session already exists for this request")
	ErrInvalidTransition    = apperr.New(apperr.KindConflict, "invalid session transition")
	ErrInvalidStatus        = apperr.New(apperr.KindValidation, "status must be active or paused")
	ErrNotSessionTechnician = apperr.New(apperr.KindForbidden, "technician is not part of this session")
)

// ParseSettable validates a status accepted by SetStatus.
func ParseSettable(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPaused:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Session is the engagement between a client and the assigned technician.
type Session struct {
	ID               string     `json:"id"`
	ServiceRequestID string     `json:"service_request_id"`
	TechnicianID     string     `json:"technician_id"`
	ClientID         string     `json:"client_id"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// StatusRequest is the body for PATCH /sessions/{id}/status.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused"`
}
