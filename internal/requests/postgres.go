package requests

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore keeps requests in service_requests. Assign is the classic
// UPDATE ... WHERE status='pending' compare-and-set.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

var requestColumns = []string{
	"id", "client_id", "category", "lat", "lng", "address", "status", "technician_id", "created_at", "updated_at",
}

func (p *PostgresStore) Create(ctx context.Context, r *ServiceRequest) error {
	query, args, err := psql.Insert("service_requests").
		Columns(requestColumns...).
		Values(r.ID, r.ClientID, r.Category, r.Location.Lat, r.Location.Lng, r.Address,
			r.Status, r.TechnicianID, r.CreatedAt, r.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, query, args...)
	return err
}

func scanRequest(row pgx.Row) (*ServiceRequest, error) {
	var r ServiceRequest
	err := row.Scan(&r.ID, &r.ClientID, &r.Category, &r.Location.Lat, &r.Location.Lng, &r.Address,
		&r.Status, &r.TechnicianID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	query, args, err := psql.Select(requestColumns...).From("service_requests").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanRequest(p.db.QueryRow(ctx, query, args...))
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string) ([]ServiceRequest, error) {
	query, args, err := psql.Select(requestColumns...).From("service_requests").
		Where(sq.Eq{"client_id": clientID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ServiceRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Assign(ctx context.Context, id, technicianID string, at time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE service_requests SET status=$1, technician_id=$2, updated_at=$3
		 WHERE id=$4 AND status=$5`,
		StatusAccepted, technicianID, at, id, StatusPending)
	if err != nil {
		return false, err
	}
	return p.applied(ctx, id, tag.RowsAffected())
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (bool, error) {
	query, args, err := psql.Update("service_requests").
		Set("status", to).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": from}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return p.applied(ctx, id, tag.RowsAffected())
}

// applied turns a zero row count into either "lost the race" or not-found.
func (p *PostgresStore) applied(ctx context.Context, id string, rows int64) (bool, error) {
	if rows > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_requests WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRequestNotFound
	}
	return false, nil
}
