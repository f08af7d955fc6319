package technicians

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

// Handler exposes technician HTTP endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the technician service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns a chi.Router with all technician routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.With(jwt.RequireRole(jwt.RoleTechnician)).Put("/me/availability", h.SetAvailability)
	r.Get("/{id}/location", h.GetLocation)

	return r
}

func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var req AvailabilityRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.svc.SetAvailability(r.Context(), claims.UserID, Availability(req.Availability))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetLocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
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
