package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch-service/internal/events"
)

// maxAttempts bounds re-evaluation when a concurrent writer moved the session
// between our read and our conditional write.
const maxAttempts = 3

// Service owns session state transitions.
type Service struct {
	store   Store
	history HistoryStore
	pub     events.Publisher
	log     *zap.Logger
	now     func() time.Time
}

// NewService creates a session service.
func NewService(store Store, history HistoryStore, pub events.Publisher, log *zap.Logger) *Service {
	return &Service{store: store, history: history, pub: pub, log: log.Named("sessions"), now: time.Now}
}

// Start opens an active session for an accepted request.
func (s *Service) Start(ctx context.Context, requestID, technicianID, clientID string) (*Session, error) {
	sess := &Session{
		ID:               uuid.New().String(),
		ServiceRequestID: requestID,
		TechnicianID:     technicianID,
		ClientID:         clientID,
		Status:           StatusActive,
		StartedAt:        s.now().UTC(),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("request_id", requestID),
		zap.String("technician_id", technicianID))
	s.emit(ctx, sess, "")
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// LiveForRequest returns the request's non-terminal session.
func (s *Service) LiveForRequest(ctx context.Context, requestID string) (*Session, error) {
	return s.store.LiveForRequest(ctx, requestID)
}

// History lists the recorded positions of a session.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.history.List(ctx, id)
}

// CheckOwner returns the session if it exists and belongs to technicianID.
func (s *Service) CheckOwner(ctx context.Context, sessionID, technicianID string) (*Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TechnicianID != technicianID {
		return nil, ErrNotSessionTechnician
	}
	return sess, nil
}

// Record appends e to the session's history when the session is active and
// belongs to e.TechnicianID. It reports whether the entry was written.
func (s *Service) Record(ctx context.Context, e HistoryEntry) (bool, error) {
	sess, err := s.CheckOwner(ctx, e.SessionID, e.TechnicianID)
	if err != nil {
		return false, err
	}
	if sess.Status != StatusActive {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.history.Append(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// SetStatus toggles between active and paused. Setting the current status is
// a no-op; terminal sessions cannot change.
func (s *Service) SetStatus(ctx context.Context, id string, to Status) (*Session, error) {
	if to != StatusActive && to != StatusPaused {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	return s.transition(ctx, id, to)
}

// End completes a live session.
func (s *Service) End(ctx context.Context, id string) (*Session, error) {
	return s.transition(ctx, id, StatusCompleted)
}

// Cancel cancels a live session.
func (s *Service) Cancel(ctx context.Context, id string) (*Session, error) {
	return s.transition(ctx, id, StatusCancelled)
}

// EndForRequest completes the request's live session, if any.
func (s *Service) EndForRequest(ctx context.Context, requestID string) error {
	return s.terminateForRequest(ctx, requestID, StatusCompleted)
}

// CancelForRequest cancels the request's live session, if any.
func (s *Service) CancelForRequest(ctx context.Context, requestID string) error {
	return s.terminateForRequest(ctx, requestID, StatusCancelled)
}

func (s *Service) terminateForRequest(ctx context.Context, requestID string, to Status) error {
	sess, err := s.store.LiveForRequest(ctx, requestID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.transition(ctx, sess.ID, to)
	if errors.Is(err, ErrInvalidTransition) {
		// someone terminated it first
		return nil
	}
	return err
}

func (s *Service) transition(ctx context.Context, id string, to Status) (*Session, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Status.Terminal() {
			return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.Status)
		}
		if sess.Status == to {
			return sess, nil
		}

		var endedAt *time.Time
		if to.Terminal() {
			t := s.now().UTC()
			endedAt = &t
		}
		applied, err := s.store.Transition(ctx, id, sess.Status, to, endedAt)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}

		prev := sess.Status
		sess.Status = to
		sess.EndedAt = endedAt
		s.log.Info("session transition",
			zap.String("session_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(to)))
		s.emit(ctx, sess, prev)
		return sess, nil
	}
	return nil, fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
}

func (s *Service) emit(ctx context.Context, sess *Session, prev Status) {
	err := s.pub.Publish(ctx, events.Transition{
		ID:             uuid.New().String(),
		Entity:         events.EntitySession,
		RequestID:      sess.ServiceRequestID,
		SessionID:      sess.ID,
		ClientID:       sess.ClientID,
		TechnicianID:   sess.TechnicianID,
		PreviousStatus: string(prev),
		NewStatus:      string(sess.Status),
		Timestamp:      s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("publish session transition failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
