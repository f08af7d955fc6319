package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/pkg/db"
)

// PostgresStore keeps sessions in service_sessions. The partial unique index
// on live sessions enforces one per request.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO service_sessions (id, service_request_id, technician_id, client_id, status, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.ServiceRequestID, s.TechnicianID, s.ClientID, s.Status, s.StartedAt)
	if db.IsUniqueViolation(err) {
		return ErrSessionAlreadyActive
	}
	return err
}

const sessionColumns = `id, service_request_id, technician_id, client_id, status, started_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ServiceRequestID, &s.TechnicianID, &s.ClientID, &s.Status, &s.StartedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM service_sessions WHERE id=$1`, id))
}

func (p *PostgresStore) LiveForRequest(ctx context.Context, requestID string) (*Session, error) {
	return scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM service_sessions
		 WHERE service_request_id=$1 AND status IN ($2,$3)`,
		requestID, StatusActive, StatusPaused))
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, endedAt *time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE service_sessions SET status=$1, ended_at=COALESCE($2, ended_at)
		 WHERE id=$3 AND status=$4`,
		to, endedAt, id, from)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
