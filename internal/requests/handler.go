package requests

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

// Handler exposes service request HTTP endpoints.
type Handler struct{ coord *Coordinator }

// NewHandler wires a handler to the coordinator.
func NewHandler(c *Coordinator) *Handler { return &Handler{coord: c} }

// Routes returns a chi.Router with all request routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	clientOrOperator := jwt.RequireRole(jwt.RoleClient, jwt.RoleOperator)
	technicianOnly := jwt.RequireRole(jwt.RoleTechnician)

	r.With(jwt.RequireRole(jwt.RoleClient)).Post("/", h.Create)
	r.With(jwt.RequireRole(jwt.RoleClient)).Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.With(clientOrOperator).Get("/{id}/candidates", h.Candidates)
	r.With(clientOrOperator).Post("/{id}/auto-assign", h.AutoAssign)
	r.With(jwt.RequireRole(jwt.RoleTechnician, jwt.RoleOperator)).Post("/{id}/accept", h.Accept)
	r.With(technicianOnly).Post("/{id}/start", h.Start)
	r.With(technicianOnly).Post("/{id}/complete", h.Complete)
	r.Post("/{id}/cancel", h.Cancel)

	return r
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var req CreateRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	sr, err := h.coord.Create(r.Context(), claims.UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.coord.List(r.Context(), jwt.GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sr, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	sr, ok := h.load(w, r)
	if !ok {
		return
	}
	cands, err := h.coord.Candidates(r.Context(), sr.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (h *Handler) AutoAssign(w http.ResponseWriter, r *http.Request) {
	sr, ok := h.load(w, r)
	if !ok {
		return
	}

	lat, lng := sr.Location.Lat, sr.Location.Lng
	if r.ContentLength > 0 {
		var req LocateRequest
		if err := validation.DecodeJSON(r.Body, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Lat != nil && req.Lng != nil {
			lat, lng = *req.Lat, *req.Lng
		}
	}

	res, err := h.coord.AutoAssign(r.Context(), sr.ID, lat, lng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	technicianID := claims.UserID
	if claims.Role == jwt.RoleOperator {
		var req AcceptRequest
		if err := validation.DecodeJSON(r.Body, &req); err != nil {
			writeError(w, err)
			return
		}
		technicianID = req.TechnicianID
	}

	res, err := h.coord.AcceptManually(r.Context(), chi.URLParam(r, "id"), technicianID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	sr, err := h.coord.StartWork(r.Context(), chi.URLParam(r, "id"), jwt.GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	sr, err := h.coord.Complete(r.Context(), chi.URLParam(r, "id"), jwt.GetClaims(r.Context()).UserID, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	sr, err := h.coord.Cancel(r.Context(), chi.URLParam(r, "id"), Actor{ID: claims.UserID, Role: claims.Role})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// load fetches the request in the URL. Clients only see their own requests;
// technicians see pending requests and those assigned to them.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*ServiceRequest, bool) {
	sr, err := h.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	c := jwt.GetClaims(r.Context())
	switch c.Role {
	case jwt.RoleOperator:
	case jwt.RoleClient:
		if sr.ClientID != c.UserID {
			writeError(w, apperr.ErrForbidden)
			return nil, false
		}
	default:
		if sr.Status != StatusPending && !sr.AssignedTo(c.UserID) {
			writeError(w, apperr.ErrForbidden)
			return nil, false
		}
	}
	return sr, true
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
