package matching

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/apperr"
	"dispatch-service/pkg/geo"
	"dispatch-service/pkg/jwt"
)

// Handler exposes candidate search for manual selection screens.
type Handler struct{ finder *Finder }

// NewHandler wires a handler to the finder.
func NewHandler(f *Finder) *Handler { return &Handler{finder: f} }

// Routes returns a chi.Router with the matching routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)
	r.Get("/candidates", h.Candidates)
	return r
}

// Candidates handles GET /matching/candidates?category=&lat=&lng=&radius=&limit=
func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cands, err := h.finder.FindCandidates(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func parseQuery(r *http.Request) (Query, error) {
	v := r.URL.Query()
	cat, err := technicians.ParseCategory(v.Get("category"))
	if err != nil {
		return Query{}, err
	}
	lat, errLat := strconv.ParseFloat(v.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(v.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		return Query{}, fmt.Errorf("%w: lat and lng are required", geo.ErrInvalidCoordinate)
	}
	q := Query{Category: cat, Origin: geo.Coordinate{Lat: lat, Lng: lng}}
	if s := v.Get("radius"); s != "" {
		if q.RadiusKm, err = strconv.ParseFloat(s, 64); err != nil || q.RadiusKm <= 0 {
			return Query{}, fmt.Errorf("%w: radius", apperr.ErrInvalidInput)
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.MaxResults, err = strconv.Atoi(s); err != nil || q.MaxResults <= 0 {
			return Query{}, fmt.Errorf("%w: limit", apperr.ErrInvalidInput)
		}
	}
	return q, nil
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
