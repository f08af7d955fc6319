package requests

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch-service/internal/events"
	"dispatch-service/internal/matching"
	"dispatch-service/internal/sessions"
	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
	"dispatch-service/pkg/jwt"
)

var origin = geo.Coordinate{Lat: 12.0, Lng: 77.0}

func north(p geo.Coordinate, km float64) geo.Coordinate {
	return geo.Coordinate{Lat: p.Lat + km*180/(math.Pi*geo.EarthRadiusKm), Lng: p.Lng}
}

type codes map[string]string

func (c codes) VerificationCode(_ context.Context, clientID string) (string, error) {
	return c[clientID], nil
}

type recorder struct {
	mu  sync.Mutex
	got []events.Transition
}

func (r *recorder) Publish(_ context.Context, t events.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

func (r *recorder) count(entity events.Entity, prev, next string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.got {
		if t.Entity == entity && t.PreviousStatus == prev && t.NewStatus == next {
			n++
		}
	}
	return n
}

type announcer struct{ ch chan events.RequestCreated }

func (a announcer) Publish(_ context.Context, topic, _ string, v any) error {
	if topic == "request.created" {
		a.ch <- v.(events.RequestCreated)
	}
	return nil
}

type harness struct {
	coord    *Coordinator
	store    Store
	locs     *technicians.MemoryStore
	sessions *sessions.Service
	rec      *recorder
}

func newHarness(t *testing.T, store Store) *harness {
	t.Helper()
	log := zap.NewNop()
	locs := technicians.NewMemoryStore()
	rec := &recorder{}
	sess := sessions.NewService(sessions.NewMemoryStore(), sessions.NewMemoryHistory(), rec, log)
	coord := NewCoordinator(Deps{
		Store:     store,
		Finder:    matching.NewFinder(locs, matching.Config{}, log),
		Locations: locs,
		Sessions:  sess,
		Verifier:  codes{"client-1": "123456"},
		Events:    rec,
	}, log)
	return &harness{coord: coord, store: store, locs: locs, sessions: sess, rec: rec}
}

func (h *harness) technician(t *testing.T, id string, c technicians.Category, at geo.Coordinate, a technicians.Availability) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.locs.Register(ctx, id, c, 4.5))
	_, err := h.locs.UpsertLocation(ctx, technicians.LocationUpdate{
		TechnicianID: id, Lat: at.Lat, Lng: at.Lng, Availability: a, ReportedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) request(t *testing.T, category string) *ServiceRequest {
	t.Helper()
	lat, lng := origin.Lat, origin.Lng
	r, err := h.coord.Create(context.Background(), "client-1", CreateRequest{Category: category, Lat: &lat, Lng: &lng, Address: "12 MG Road"})
	require.NoError(t, err)
	return r
}

// invariant reloads the request and checks technician presence against status.
func (h *harness) invariant(t *testing.T, id string) *ServiceRequest {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	switch {
	case r.Status == StatusCancelled:
	case r.Status.Assigned():
		assert.NotNil(t, r.TechnicianID, "status %s without technician", r.Status)
	default:
		assert.Nil(t, r.TechnicianID, "status %s with technician", r.Status)
	}
	return r
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	r := h.request(t, "plumber")
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, technicians.CategoryPlumber, r.Category)
	assert.Equal(t, 1, h.rec.count(events.EntityRequest, "", "pending"))
	h.invariant(t, r.ID)

	lat, lng := 91.0, 77.0
	_, err := h.coord.Create(ctx, "client-1", CreateRequest{Category: "plumber", Lat: &lat, Lng: &lng})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	lat = 12
	_, err = h.coord.Create(ctx, "client-1", CreateRequest{Category: "carpenter", Lat: &lat, Lng: &lng})
	assert.ErrorIs(t, err, technicians.ErrInvalidCategory)

	_, err = h.coord.Create(ctx, "client-1", CreateRequest{Category: "plumber"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	list, err := h.coord.List(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateAnnounces(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	ch := make(chan events.RequestCreated, 1)
	h.coord.Announcer = announcer{ch: ch}

	r := h.request(t, "mechanic")
	select {
	case ev := <-ch:
		assert.Equal(t, r.ID, ev.RequestID)
		assert.Equal(t, "mechanic", ev.Category)
		assert.Equal(t, origin, ev.Location)
	case <-time.After(2 * time.Second):
		t.Fatal("request.created not published")
	}
}

func TestAutoAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("nearest plumber wins", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		h.technician(t, "p-far", technicians.CategoryPlumber, north(origin, 9), technicians.Available)
		h.technician(t, "p-near", technicians.CategoryPlumber, north(origin, 3), technicians.Available)
		r := h.request(t, "plumber")

		res, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAssigned, res.Outcome)
		require.NotNil(t, res.Candidate)
		assert.Equal(t, "p-near", res.Candidate.TechnicianID)
		assert.InDelta(t, 3, res.Candidate.DistanceKm, 1e-6)
		assert.NotEmpty(t, res.SessionID)

		got := h.invariant(t, r.ID)
		assert.Equal(t, StatusAccepted, got.Status)
		assert.Equal(t, "p-near", *got.TechnicianID)
		assert.Equal(t, 1, h.rec.count(events.EntityRequest, "pending", "accepted"))
		assert.Equal(t, 1, h.rec.count(events.EntitySession, "", "active"))

		sess, err := h.sessions.LiveForRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "p-near", sess.TechnicianID)
		assert.Equal(t, "client-1", sess.ClientID)
	})

	t.Run("no technicians leaves request pending", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		h.technician(t, "e1", technicians.CategoryElectrician, north(origin, 1), technicians.Available)
		h.technician(t, "p-off", technicians.CategoryPlumber, north(origin, 1), technicians.Offline)
		r := h.request(t, "plumber")

		res, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoTechniciansAvailable, res.Outcome)
		assert.Nil(t, res.Candidate)

		got := h.invariant(t, r.ID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Nil(t, got.TechnicianID)
	})

	t.Run("idempotent on accepted request", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
		h.technician(t, "p2", technicians.CategoryPlumber, north(origin, 4), technicians.Available)
		r := h.request(t, "plumber")
		_, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
			assert.ErrorIs(t, err, ErrRequestNotPending)
			got := h.invariant(t, r.ID)
			assert.Equal(t, "p1", *got.TechnicianID)
		}
	})

	t.Run("unknown request", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		_, err := h.coord.AutoAssign(ctx, "missing", origin.Lat, origin.Lng)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		r := h.request(t, "plumber")
		_, err := h.coord.AutoAssign(ctx, r.ID, 12, 181)
		assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)
		assert.Equal(t, StatusPending, h.invariant(t, r.ID).Status)
	})
}

func TestAutoAssignRace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	h.technician(t, "p2", technicians.CategoryPlumber, north(origin, 5), technicians.Available)
	r := h.request(t, "plumber")

	const n = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrRequestNotPending)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.rec.count(events.EntityRequest, "pending", "accepted"))
	assert.Equal(t, 1, h.rec.count(events.EntitySession, "", "active"))

	got := h.invariant(t, r.ID)
	assert.Equal(t, "p1", *got.TechnicianID)
}

// losingStore reports every Assign as lost, as if another caller got there first.
type losingStore struct{ *MemoryStore }

func (losingStore) Assign(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

func TestAutoAssignLostClaimDoesNotFallThrough(t *testing.T) {
	h := newHarness(t, losingStore{NewMemoryStore()})
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	h.technician(t, "p2", technicians.CategoryPlumber, north(origin, 5), technicians.Available)
	r := h.request(t, "plumber")

	_, err := h.coord.AutoAssign(context.Background(), r.ID, origin.Lat, origin.Lng)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.ErrorIs(t, err, ErrRequestNotPending)
	assert.Equal(t, 0, h.rec.count(events.EntityRequest, "pending", "accepted"))
}

// assigningStore lets an assignment land between a caller's read and its
// conditional status write.
type assigningStore struct {
	*MemoryStore
	technicianID string
}

func (s assigningStore) Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (bool, error) {
	if _, err := s.MemoryStore.Assign(ctx, id, s.technicianID, at); err != nil {
		return false, err
	}
	return s.MemoryStore.Transition(ctx, id, from, to, at)
}

func TestCancelLosesToConcurrentAssignment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, assigningStore{MemoryStore: NewMemoryStore(), technicianID: "tech-x"})
	r := h.request(t, "plumber")

	_, err := h.coord.Cancel(ctx, r.ID, Actor{ID: "client-1", Role: jwt.RoleClient})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got := h.invariant(t, r.ID)
	assert.Equal(t, StatusAccepted, got.Status)
	require.NotNil(t, got.TechnicianID)
	assert.Equal(t, "tech-x", *got.TechnicianID)
	assert.Equal(t, 0, h.rec.count(events.EntityRequest, "pending", "cancelled"))
}

// cancellingSessions runs a client cancel just before the session opens.
type cancellingSessions struct {
	*sessions.Service
	coord *Coordinator
}

func (s *cancellingSessions) Start(ctx context.Context, requestID, technicianID, clientID string) (*sessions.Session, error) {
	if _, err := s.coord.Cancel(ctx, requestID, Actor{ID: clientID, Role: jwt.RoleClient}); err != nil {
		return nil, err
	}
	return s.Service.Start(ctx, requestID, technicianID, clientID)
}

func TestAssignCancelledBeforeSessionStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.coord.Sessions = &cancellingSessions{Service: h.sessions, coord: h.coord}
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	r := h.request(t, "plumber")

	res, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, StatusCancelled, res.Request.Status)

	assert.Equal(t, StatusCancelled, h.invariant(t, r.ID).Status)
	_, err = h.sessions.LiveForRequest(ctx, r.ID)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	assert.Equal(t, 1, h.rec.count(events.EntitySession, "", "active"))
	assert.Equal(t, 1, h.rec.count(events.EntitySession, "active", "cancelled"))
}

func TestAcceptManually(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p-off", technicians.CategoryPlumber, north(origin, 1), technicians.Offline)
	h.technician(t, "m1", technicians.CategoryMechanic, north(origin, 1), technicians.Available)
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 7), technicians.Available)
	r := h.request(t, "plumber")

	_, err := h.coord.AcceptManually(ctx, r.ID, "p-off")
	assert.ErrorIs(t, err, ErrTechnicianUnavailable)
	_, err = h.coord.AcceptManually(ctx, r.ID, "ghost")
	assert.ErrorIs(t, err, ErrTechnicianUnavailable)
	_, err = h.coord.AcceptManually(ctx, r.ID, "m1")
	assert.ErrorIs(t, err, ErrCategoryMismatch)
	_, err = h.coord.AcceptManually(ctx, r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Equal(t, StatusPending, h.invariant(t, r.ID).Status)

	res, err := h.coord.AcceptManually(ctx, r.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	require.NotNil(t, res.Candidate)
	assert.InDelta(t, 7, res.Candidate.DistanceKm, 1e-6)
	assert.Equal(t, "p1", *h.invariant(t, r.ID).TechnicianID)

	_, err = h.coord.AcceptManually(ctx, r.ID, "p1")
	assert.ErrorIs(t, err, ErrRequestNotPending)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted request keeps its technician", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
		r := h.request(t, "plumber")
		res, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		require.NoError(t, err)

		got, err := h.coord.Cancel(ctx, r.ID, Actor{ID: "client-1", Role: jwt.RoleClient})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		require.NotNil(t, got.TechnicianID)
		assert.Equal(t, "p1", *got.TechnicianID)
		h.invariant(t, r.ID)

		sess, err := h.sessions.Get(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, sessions.StatusCancelled, sess.Status)

		_, err = h.coord.Cancel(ctx, r.ID, Actor{ID: "client-1", Role: jwt.RoleClient})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("pending by operator", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		r := h.request(t, "electrician")
		got, err := h.coord.Cancel(ctx, r.ID, Actor{ID: "op-1", Role: jwt.RoleOperator})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Nil(t, got.TechnicianID)
		assert.Equal(t, 1, h.rec.count(events.EntityRequest, "pending", "cancelled"))
	})

	t.Run("strangers are refused", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		r := h.request(t, "electrician")
		_, err := h.coord.Cancel(ctx, r.ID, Actor{ID: "client-2", Role: jwt.RoleClient})
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		assert.Equal(t, StatusPending, h.invariant(t, r.ID).Status)
	})

	t.Run("in progress cannot be cancelled", func(t *testing.T) {
		h := newHarness(t, NewMemoryStore())
		h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
		r := h.request(t, "plumber")
		_, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
		require.NoError(t, err)
		_, err = h.coord.StartWork(ctx, r.ID, "p1")
		require.NoError(t, err)

		_, err = h.coord.Cancel(ctx, r.ID, Actor{ID: "p1", Role: jwt.RoleTechnician})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestStartWorkAndComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	r := h.request(t, "plumber")

	_, err := h.coord.Complete(ctx, r.ID, "p1", "123456")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.coord.StartWork(ctx, r.ID, "p1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	res, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
	require.NoError(t, err)

	_, err = h.coord.StartWork(ctx, r.ID, "p2")
	assert.ErrorIs(t, err, ErrNotAssignedTechnician)
	got, err := h.coord.StartWork(ctx, r.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	h.invariant(t, r.ID)

	_, err = h.coord.Complete(ctx, r.ID, "p1", "000000")
	assert.ErrorIs(t, err, ErrInvalidVerification)
	assert.Equal(t, StatusInProgress, h.invariant(t, r.ID).Status)

	_, err = h.coord.Complete(ctx, r.ID, "p2", "123456")
	assert.ErrorIs(t, err, ErrNotAssignedTechnician)

	done, err := h.coord.Complete(ctx, r.ID, "p1", "123456")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "p1", *h.invariant(t, r.ID).TechnicianID)

	sess, err := h.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusCompleted, sess.Status)
	assert.NotNil(t, sess.EndedAt)

	_, err = h.coord.Complete(ctx, r.ID, "p1", "123456")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteFromAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	r := h.request(t, "plumber")
	_, err := h.coord.AutoAssign(ctx, r.ID, origin.Lat, origin.Lng)
	require.NoError(t, err)

	done, err := h.coord.Complete(ctx, r.ID, "p1", "123456")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, h.rec.count(events.EntityRequest, "accepted", "completed"))
}

func TestCandidates(t *testing.T) {
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p2", technicians.CategoryPlumber, north(origin, 4), technicians.Available)
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 4), technicians.Available)
	h.technician(t, "p0", technicians.CategoryPlumber, north(origin, 60), technicians.Available)
	r := h.request(t, "plumber")

	cands, err := h.coord.Candidates(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "p1", cands[0].TechnicianID)
	assert.Equal(t, "p2", cands[1].TechnicianID)
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	h.technician(t, "p1", technicians.CategoryPlumber, north(origin, 2), technicians.Available)
	r := h.request(t, "plumber")
	d := NewDispatcher(h.coord, zap.NewNop())

	payload, err := json.Marshal(events.RequestCreated{RequestID: r.ID, ClientID: "client-1", Category: "plumber", Location: origin})
	require.NoError(t, err)

	require.NoError(t, d.Handle(ctx, payload))
	assert.Equal(t, StatusAccepted, h.invariant(t, r.ID).Status)

	// redelivery is harmless
	require.NoError(t, d.Handle(ctx, payload))
	assert.Equal(t, 1, h.rec.count(events.EntityRequest, "pending", "accepted"))

	require.NoError(t, d.Handle(ctx, []byte("{")))

	empty := h.request(t, "mechanic")
	payload, err = json.Marshal(events.RequestCreated{RequestID: empty.ID, Location: origin})
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, payload))
	assert.Equal(t, StatusPending, h.invariant(t, empty.ID).Status)
}
