package technicians

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/pkg/geo"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore keeps one technician_locations row per technician. The
// staleness guard is part of each UPDATE's WHERE clause.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (s *PostgresStore) Register(ctx context.Context, technicianID string, category Category, rating float64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO technician_locations (technician_id, category, availability, rating)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (technician_id) DO NOTHING`,
		technicianID, category, Offline, rating)
	return err
}

func (s *PostgresStore) UpsertLocation(ctx context.Context, u LocationUpdate) (bool, error) {
	q := psql.Update("technician_locations").
		Set("lat", u.Lat).
		Set("lng", u.Lng).
		Set("accuracy", u.Accuracy).
		Set("heading", u.Heading).
		Set("speed", u.Speed).
		Set("updated_at", u.ReportedAt)
	if u.Availability != "" {
		q = q.Set("availability", u.Availability)
	}
	return s.guardedUpdate(ctx, q, u.TechnicianID, u.ReportedAt)
}

func (s *PostgresStore) SetAvailability(ctx context.Context, technicianID string, a Availability, at time.Time) (bool, error) {
	q := psql.Update("technician_locations").
		Set("availability", a).
		Set("updated_at", at)
	return s.guardedUpdate(ctx, q, technicianID, at)
}

func (s *PostgresStore) guardedUpdate(ctx context.Context, q sq.UpdateBuilder, technicianID string, at time.Time) (bool, error) {
	sqlStr, args, err := q.
		Where(sq.Eq{"technician_id": technicianID}).
		Where(sq.Or{sq.Eq{"updated_at": nil}, sq.LtOrEq{"updated_at": at}}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("update technician %s: %w", technicianID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// nothing matched: either unknown or stale
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM technician_locations WHERE technician_id=$1)`,
		technicianID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrTechnicianNotFound
	}
	return false, nil
}

func (s *PostgresStore) AvailableByCategory(ctx context.Context, category Category) ([]Technician, error) {
	return s.queryAvailable(ctx, s.availableQuery(category))
}

// AvailableWithin narrows by bounding box before the caller's exact filter.
func (s *PostgresStore) AvailableWithin(ctx context.Context, category Category, origin geo.Coordinate, radiusKm float64) ([]Technician, error) {
	box := geo.BoundingBox(origin, radiusKm)
	q := s.availableQuery(category).
		Where(sq.GtOrEq{"lat": box.MinLat}).
		Where(sq.LtOrEq{"lat": box.MaxLat}).
		Where(sq.GtOrEq{"lng": box.MinLng}).
		Where(sq.LtOrEq{"lng": box.MaxLng})
	return s.queryAvailable(ctx, q)
}

func (s *PostgresStore) availableQuery(category Category) sq.SelectBuilder {
	return psql.Select("technician_id", "lat", "lng", "rating").
		From("technician_locations").
		Where(sq.Eq{"category": category, "availability": Available}).
		Where(sq.NotEq{"lat": nil}).
		Where(sq.NotEq{"lng": nil}).
		OrderBy("technician_id")
}

func (s *PostgresStore) queryAvailable(ctx context.Context, q sq.SelectBuilder) ([]Technician, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Technician
	for rows.Next() {
		var t Technician
		if err := rows.Scan(&t.ID, &t.Lat, &t.Lng, &t.Rating); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLocation(ctx context.Context, technicianID string) (*LocationRecord, error) {
	var rec LocationRecord
	var updatedAt *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT technician_id, category, lat, lng, accuracy, heading, speed, availability, rating, updated_at
		 FROM technician_locations WHERE technician_id=$1`, technicianID).
		Scan(&rec.TechnicianID, &rec.Category, &rec.Lat, &rec.Lng,
			&rec.Accuracy, &rec.Heading, &rec.Speed, &rec.Availability, &rec.Rating, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTechnicianNotFound
	}
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		rec.UpdatedAt = *updatedAt
	}
	return &rec, nil
}
