package tracking

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dispatch-service/internal/sessions"
	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/geo"
)

// Report is one position report from a technician's device.
type Report struct {
	TechnicianID string
	Lat, Lng     float64
	Accuracy     *float64
	Heading      *float64
	Speed        *float64
	// Availability is kept unchanged when empty.
	Availability technicians.Availability
	// SessionID, when set, asks for the position to be added to that
	// session's history.
	SessionID string
	// ReportedAt is the device time of the fix; zero means now.
	ReportedAt time.Time
}

// IngestResult tells the caller what a report changed.
type IngestResult struct {
	// Applied is false when a newer report was already stored.
	Applied         bool `json:"applied"`
	HistoryRecorded bool `json:"history_recorded"`
}

// HistoryRecorder appends to a session's history while it is active.
type HistoryRecorder interface {
	CheckOwner(ctx context.Context, sessionID, technicianID string) (*sessions.Session, error)
	Record(ctx context.Context, e sessions.HistoryEntry) (bool, error)
}

// Broadcaster pushes applied positions to live subscribers.
type Broadcaster interface {
	BroadcastLocation(technicianID string, lat, lng float64, at time.Time)
}

// Ingestor applies location reports. Each call is independent: no buffering,
// and replays are absorbed by the store's staleness guard.
type Ingestor struct {
	locations technicians.LocationStore
	history   HistoryRecorder
	live      Broadcaster
	log       *zap.Logger
	now       func() time.Time
}

// NewIngestor creates an ingestor. live may be nil.
func NewIngestor(locations technicians.LocationStore, history HistoryRecorder, live Broadcaster, log *zap.Logger) *Ingestor {
	return &Ingestor{
		locations: locations,
		history:   history,
		live:      live,
		log:       log.Named("tracking"),
		now:       time.Now,
	}
}

// ReportLocation validates and stores a report, then records it in the
// session's history if the session is active.
func (i *Ingestor) ReportLocation(ctx context.Context, r Report) (*IngestResult, error) {
	if err := geo.Validate(r.Lat, r.Lng); err != nil {
		return nil, err
	}
	if r.Availability != "" {
		if _, err := technicians.ParseAvailability(string(r.Availability)); err != nil {
			return nil, err
		}
	}
	// an unknown or foreign session rejects the report before anything is written
	if r.SessionID != "" {
		if _, err := i.history.CheckOwner(ctx, r.SessionID, r.TechnicianID); err != nil {
			return nil, err
		}
	}
	at := r.ReportedAt
	if at.IsZero() {
		at = i.now()
	}
	at = at.UTC()

	applied, err := i.locations.UpsertLocation(ctx, technicians.LocationUpdate{
		TechnicianID: r.TechnicianID,
		Lat:          r.Lat,
		Lng:          r.Lng,
		Accuracy:     r.Accuracy,
		Heading:      r.Heading,
		Speed:        r.Speed,
		Availability: r.Availability,
		ReportedAt:   at,
	})
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Applied: applied}
	if !applied {
		i.log.Debug("stale location dropped",
			zap.String("technician_id", r.TechnicianID),
			zap.Time("reported_at", at))
		return res, nil
	}

	if i.live != nil {
		i.live.BroadcastLocation(r.TechnicianID, r.Lat, r.Lng, at)
	}

	if r.SessionID != "" {
		recorded, err := i.history.Record(ctx, sessions.HistoryEntry{
			SessionID:    r.SessionID,
			TechnicianID: r.TechnicianID,
			Lat:          r.Lat,
			Lng:          r.Lng,
			Accuracy:     r.Accuracy,
			RecordedAt:   at,
		})
		if err != nil {
			return nil, err
		}
		res.HistoryRecorded = recorded
	}
	return res, nil
}
