package requests

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch-service/internal/events"
	"dispatch-service/internal/matching"
	"dispatch-service/internal/sessions"
	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
)

// CandidateFinder ranks technicians for a request.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, q matching.Query) ([]matching.Candidate, error)
}

// LocationReader reads a technician's live record.
type LocationReader interface {
	GetLocation(ctx context.Context, technicianID string) (*technicians.LocationRecord, error)
}

// SessionStarter opens and closes the session that follows an assignment.
type SessionStarter interface {
	Start(ctx context.Context, requestID, technicianID, clientID string) (*sessions.Session, error)
	EndForRequest(ctx context.Context, requestID string) error
	CancelForRequest(ctx context.Context, requestID string) error
}

// TokenVerifier returns the verification code a client hands to the
// technician as proof of service.
type TokenVerifier interface {
	VerificationCode(ctx context.Context, clientID string) (string, error)
}

// Announcer publishes request.created for background auto-assignment.
type Announcer interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	ID   string
	Role string
}

// Deps groups the coordinator's collaborators. Announcer may be nil.
type Deps struct {
	Store     Store
	Finder    CandidateFinder
	Locations LocationReader
	Sessions  SessionStarter
	Verifier  TokenVerifier
	Events    events.Publisher
	Announcer Announcer
}

// Coordinator drives the service request state machine. Every status change
// is a conditional write against the store; the coordinator holds no locks.
type Coordinator struct {
	Deps
	log *zap.Logger
	now func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d Deps, log *zap.Logger) *Coordinator {
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	return &Coordinator{Deps: d, log: log.Named("requests"), now: time.Now}
}

// Create opens a pending request for clientID and announces it.
func (c *Coordinator) Create(ctx context.Context, clientID string, req CreateRequest) (*ServiceRequest, error) {
	category, err := technicians.ParseCategory(req.Category)
	if err != nil {
		return nil, err
	}
	if req.Lat == nil || req.Lng == nil {
		return nil, fmt.Errorf("%w: lat and lng are required", apperr.ErrInvalidInput)
	}
	loc := geo.Coordinate{Lat: *req.Lat, Lng: *req.Lng}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	r := &ServiceRequest{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Category:  category,
		Location:  loc,
		Address:   req.Address,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	c.log.Info("request created",
		zap.String("request_id", r.ID),
		zap.String("client_id", clientID),
		zap.String("category", string(category)))
	c.emit(ctx, r, "")

	if c.Announcer != nil {
		ev := events.RequestCreated{
			RequestID: r.ID,
			ClientID:  clientID,
			Category:  string(category),
			Location:  loc,
			CreatedAt: now,
		}
		go c.announce(ev)
	}
	return r, nil
}

func (c *Coordinator) announce(ev events.RequestCreated) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Announcer.Publish(ctx, kafka.TopicRequestCreated, ev.RequestID, ev); err != nil {
		c.log.Warn("publish request.created failed", zap.String("request_id", ev.RequestID), zap.Error(err))
	}
}

// Get returns a request by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	return c.Store.Get(ctx, id)
}

// List returns a client's requests, newest first.
func (c *Coordinator) List(ctx context.Context, clientID string) ([]ServiceRequest, error) {
	return c.Store.ListByClient(ctx, clientID)
}

// Candidates ranks technicians around the request's location for manual
// selection.
func (c *Coordinator) Candidates(ctx context.Context, requestID string) ([]matching.Candidate, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return c.Finder.FindCandidates(ctx, matching.Query{Category: r.Category, Origin: r.Location})
}

// AutoAssign searches around (lat, lng) and claims the request for the
// nearest available technician. An empty search is reported as
// OutcomeNoTechniciansAvailable with the request left pending. Losing the
// claim to a concurrent caller returns ErrAlreadyAssigned; the next candidate
// is never tried.
func (c *Coordinator) AutoAssign(ctx context.Context, requestID string, lat, lng float64) (*AssignmentResult, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrRequestNotPending
	}

	cands, err := c.Finder.FindCandidates(ctx, matching.Query{
		Category: r.Category,
		Origin:   geo.Coordinate{Lat: lat, Lng: lng},
	})
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		c.log.Info("no technicians available",
			zap.String("request_id", r.ID),
			zap.String("category", string(r.Category)))
		return &AssignmentResult{Outcome: OutcomeNoTechniciansAvailable, Request: r}, nil
	}

	top := cands[0]
	return c.assign(ctx, r, top.TechnicianID, &top)
}

// AcceptManually claims the request for a chosen technician, who must be
// available and serve the request's category at the time of the check.
func (c *Coordinator) AcceptManually(ctx context.Context, requestID, technicianID string) (*AssignmentResult, error) {
	if technicianID == "" {
		return nil, fmt.Errorf("%w: technician_id is required", apperr.ErrInvalidInput)
	}
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrRequestNotPending
	}

	rec, err := c.Locations.GetLocation(ctx, technicianID)
	if errors.Is(err, technicians.ErrTechnicianNotFound) {
		return nil, fmt.Errorf("%w: unknown technician %s", ErrTechnicianUnavailable, technicianID)
	}
	if err != nil {
		return nil, err
	}
	if rec.Availability != technicians.Available {
		return nil, fmt.Errorf("%w: technician is %s", ErrTechnicianUnavailable, rec.Availability)
	}
	if rec.Category != r.Category {
		return nil, ErrCategoryMismatch
	}

	var cand *matching.Candidate
	if pos, ok := rec.Position(); ok {
		d, err := geo.DistanceKm(r.Location, pos)
		if err != nil {
			return nil, err
		}
		cand = &matching.Candidate{TechnicianID: technicianID, Location: pos, Rating: rec.Rating, DistanceKm: d}
	}
	return c.assign(ctx, r, technicianID, cand)
}

func (c *Coordinator) assign(ctx context.Context, r *ServiceRequest, technicianID string, cand *matching.Candidate) (*AssignmentResult, error) {
	at := c.now().UTC()
	applied, err := c.Store.Assign(ctx, r.ID, technicianID, at)
	if err != nil {
		return nil, err
	}
	if !applied {
		c.log.Info("assignment lost to a concurrent caller",
			zap.String("request_id", r.ID),
			zap.String("technician_id", technicianID))
		return nil, ErrAlreadyAssigned
	}

	r.Status = StatusAccepted
	r.TechnicianID = &technicianID
	r.UpdatedAt = at
	c.log.Info("request assigned",
		zap.String("request_id", r.ID),
		zap.String("technician_id", technicianID))
	c.emit(ctx, r, StatusPending)

	res := &AssignmentResult{Outcome: OutcomeAssigned, Request: r, Candidate: cand}
	sess, err := c.Sessions.Start(ctx, r.ID, technicianID, r.ClientID)
	if err != nil {
		// the claim stands without a session
		c.log.Warn("start session failed", zap.String("request_id", r.ID), zap.Error(err))
		return res, nil
	}
	res.SessionID = sess.ID

	// A cancel that landed before Start found no session to close.
	cur, err := c.Store.Get(ctx, r.ID)
	if err != nil {
		c.log.Warn("reload after session start failed", zap.String("request_id", r.ID), zap.Error(err))
		return res, nil
	}
	if cur.Status == StatusCancelled {
		c.log.Info("request cancelled before its session opened", zap.String("request_id", r.ID))
		if err := c.Sessions.CancelForRequest(ctx, r.ID); err != nil {
			c.log.Warn("cancel session failed", zap.String("request_id", r.ID), zap.Error(err))
		}
		res.Request = cur
		res.SessionID = ""
	}
	return res, nil
}

// StartWork moves an accepted request to in_progress. Only the assigned
// technician may do this.
func (c *Coordinator) StartWork(ctx context.Context, requestID, actorID string) (*ServiceRequest, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
	}
	if !r.AssignedTo(actorID) {
		return nil, ErrNotAssignedTechnician
	}
	return c.transition(ctx, r, StatusInProgress)
}

// Cancel moves a pending or accepted request to cancelled. The technician,
// if any, stays recorded. Callable by the owning client, the assigned
// technician or an operator.
func (c *Coordinator) Cancel(ctx context.Context, requestID string, actor Actor) (*ServiceRequest, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending && r.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
	}
	if actor.Role != jwt.RoleOperator && actor.ID != r.ClientID && !r.AssignedTo(actor.ID) {
		return nil, apperr.ErrForbidden
	}

	prev := r.Status
	applied, err := c.Store.Transition(ctx, r.ID, []Status{prev}, StatusCancelled, c.now().UTC())
	if err != nil {
		return nil, err
	}
	if !applied {
		c.log.Info("cancel lost to a concurrent update",
			zap.String("request_id", r.ID),
			zap.String("from", string(prev)))
		return nil, fmt.Errorf("%w: request changed concurrently", ErrInvalidTransition)
	}

	r.Status = StatusCancelled
	c.log.Info("request cancelled",
		zap.String("request_id", r.ID),
		zap.String("actor_id", actor.ID),
		zap.String("from", string(prev)))
	c.emit(ctx, r, prev)
	if prev == StatusAccepted {
		if err := c.Sessions.CancelForRequest(ctx, r.ID); err != nil {
			c.log.Warn("cancel session failed", zap.String("request_id", r.ID), zap.Error(err))
		}
	}
	return c.Store.Get(ctx, r.ID)
}

// Complete finishes an accepted or in-progress request. The assigned
// technician must present the client's verification token; a mismatch
// changes nothing and may be retried.
func (c *Coordinator) Complete(ctx context.Context, requestID, actorID, token string) (*ServiceRequest, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAccepted && r.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
	}
	if !r.AssignedTo(actorID) {
		return nil, ErrNotAssignedTechnician
	}

	want, err := c.Verifier.VerificationCode(ctx, r.ClientID)
	if err != nil {
		return nil, err
	}
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		c.log.Info("verification failed", zap.String("request_id", r.ID), zap.String("technician_id", actorID))
		return nil, ErrInvalidVerification
	}

	done, err := c.transition(ctx, r, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if err := c.Sessions.EndForRequest(ctx, r.ID); err != nil {
		c.log.Warn("end session failed", zap.String("request_id", r.ID), zap.Error(err))
	}
	return done, nil
}

// transition applies r.Status -> to as a conditional write.
func (c *Coordinator) transition(ctx context.Context, r *ServiceRequest, to Status) (*ServiceRequest, error) {
	prev := r.Status
	at := c.now().UTC()
	applied, err := c.Store.Transition(ctx, r.ID, []Status{prev}, to, at)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: request changed concurrently", ErrInvalidTransition)
	}
	r.Status = to
	r.UpdatedAt = at
	c.log.Info("request transition",
		zap.String("request_id", r.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(to)))
	c.emit(ctx, r, prev)
	return r, nil
}

func (c *Coordinator) emit(ctx context.Context, r *ServiceRequest, prev Status) {
	t := events.Transition{
		ID:             uuid.New().String(),
		Entity:         events.EntityRequest,
		RequestID:      r.ID,
		ClientID:       r.ClientID,
		PreviousStatus: string(prev),
		NewStatus:      string(r.Status),
		Timestamp:      c.now().UTC(),
	}
	if r.TechnicianID != nil {
		t.TechnicianID = *r.TechnicianID
	}
	if err := c.Events.Publish(ctx, t); err != nil {
		c.log.Warn("publish request transition failed", zap.String("request_id", r.ID), zap.Error(err))
	}
}
