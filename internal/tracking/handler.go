package tracking

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

// LocationRequest is the body for POST /locations.
type LocationRequest struct {
	Lat          *float64   `json:"lat" validate:"required,latitude"`
	Lng          *float64   `json:"lng" validate:"required,longitude"`
	Accuracy     *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	Heading      *float64   `json:"heading" validate:"omitempty,gte=0,lt=360"`
	Speed        *float64   `json:"speed" validate:"omitempty,gte=0"`
	Availability string     `json:"availability" validate:"omitempty,oneof=available busy offline"`
	SessionID    string     `json:"session_id"`
	ReportedAt   *time.Time `json:"reported_at"`
}

// Handler exposes the location ingest endpoint.
type Handler struct{ ingestor *Ingestor }

// NewHandler wires a handler to the ingestor.
func NewHandler(i *Ingestor) *Handler { return &Handler{ingestor: i} }

// Routes returns a chi.Router for the /locations mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth, jwt.RequireRole(jwt.RoleTechnician))
	r.Post("/", h.Report)
	return r
}

// Report handles a technician's own position report.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var req LocationRequest
	if err := validation.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	rep := Report{
		TechnicianID: claims.UserID,
		Lat:          *req.Lat,
		Lng:          *req.Lng,
		Accuracy:     req.Accuracy,
		Heading:      req.Heading,
		Speed:        req.Speed,
		Availability: technicians.Availability(req.Availability),
		SessionID:    req.SessionID,
	}
	if req.ReportedAt != nil {
		rep.ReportedAt = *req.ReportedAt
	}

	res, err := h.ingestor.ReportLocation(r.Context(), rep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
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
