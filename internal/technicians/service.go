package technicians

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Service exposes technician registration and availability.
type Service struct {
	store LocationStore
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a technician service.
func NewService(store LocationStore, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("technicians"), now: time.Now}
}

// Register adds a technician to the location store as offline.
func (s *Service) Register(ctx context.Context, technicianID string, category Category, rating float64) error {
	if err := s.store.Register(ctx, technicianID, category, rating); err != nil {
		return err
	}
	s.log.Info("technician registered",
		zap.String("technician_id", technicianID),
		zap.String("category", string(category)))
	return nil
}

// SetAvailability records the technician's own availability toggle and
// returns the resulting record.
func (s *Service) SetAvailability(ctx context.Context, technicianID string, a Availability) (*LocationRecord, error) {
	applied, err := s.store.SetAvailability(ctx, technicianID, a, s.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		s.log.Debug("availability change dropped as stale", zap.String("technician_id", technicianID))
	}
	return s.store.GetLocation(ctx, technicianID)
}

// GetLocation returns the technician's latest record.
func (s *Service) GetLocation(ctx context.Context, technicianID string) (*LocationRecord, error) {
	return s.store.GetLocation(ctx, technicianID)
}
