package sessions

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

// Handler exposes session HTTP endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the session service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns a chi.Router with all session routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.With(jwt.RequireRole(jwt.RoleTechnician, jwt.RoleOperator)).Patch("/{id}/status", h.SetStatus)
	r.With(jwt.RequireRole(jwt.RoleTechnician, jwt.RoleOperator)).Post("/{id}/end", h.End)

	return r
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r, false)
	if !ok {
		return
	}
	entries, err := h.svc.History(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r, true)
	if !ok {
		return
	}
	var req StatusRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	to, err := ParseSettable(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.svc.SetStatus(r.Context(), sess.ID, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r, true)
	if !ok {
		return
	}
	ended, err := h.svc.End(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ended)
}

// load fetches the session in the URL and checks the caller may see it, or
// mutate it when mutate is set (assigned technician or operator only).
func (h *Handler) load(w http.ResponseWriter, r *http.Request, mutate bool) (*Session, bool) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	c := jwt.GetClaims(r.Context())
	allowed := c.Role == jwt.RoleOperator || c.UserID == sess.TechnicianID
	if !mutate && c.UserID == sess.ClientID {
		allowed = true
	}
	if !allowed {
		writeError(w, apperr.ErrForbidden)
		return nil, false
	}
	return sess, true
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
