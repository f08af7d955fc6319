package events

import (
	"context"
	"errors"
	"time"

	"dispatch-service/pkg/geo"
)

// Entity names the kind of record a transition belongs to.
type Entity string

const (
	EntityRequest Entity = "request"
	EntitySession Entity = "session"
)

// Transition is emitted on every request and session state change.
type Transition struct {
	ID             string    `json:"id"`
	Entity         Entity    `json:"entity"`
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	TechnicianID   string    `json:"technician_id,omitempty"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Keys lists the subscription keys a transition is delivered to.
func (t Transition) Keys() []string {
	keys := []string{RequestKey(t.RequestID)}
	if t.SessionID != "" {
		keys = append(keys, SessionKey(t.SessionID))
	}
	if t.ClientID != "" {
		keys = append(keys, ClientKey(t.ClientID))
	}
	if t.TechnicianID != "" {
		keys = append(keys, TechnicianKey(t.TechnicianID))
	}
	return keys
}

func RequestKey(id string) string    { return "request:" + id }
func SessionKey(id string) string    { return "session:" + id }
func ClientKey(id string) string     { return "client:" + id }
func TechnicianKey(id string) string { return "technician:" + id }

// RequestCreated is published to request.created so the dispatcher can
// auto-assign in the background.
type RequestCreated struct {
	RequestID string         `json:"request_id"`
	ClientID  string         `json:"client_id"`
	Category  string         `json:"category"`
	Location  geo.Coordinate `json:"location"`
	CreatedAt time.Time      `json:"created_at"`
}

// Publisher delivers transitions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
}

// Multi fans a transition out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, t Transition) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every transition.
type Discard struct{}

func (Discard) Publish(context.Context, Transition) error { return nil }
