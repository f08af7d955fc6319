package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryEntry is one recorded position of a technician during an active session.
type HistoryEntry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"service_session_id"`
	TechnicianID string    `json:"technician_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// HistoryStore is append-only.
type HistoryStore interface {
	Append(ctx context.Context, e HistoryEntry) error
	// List returns a session's entries ordered by RecordedAt.
	List(ctx context.Context, sessionID string) ([]HistoryEntry, error)
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[string][]HistoryEntry)}
}

func (m *MemoryHistory) Append(_ context.Context, e HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.SessionID] = append(m.entries[e.SessionID], e)
	return nil
}

func (m *MemoryHistory) List(_ context.Context, sessionID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	out := append([]HistoryEntry{}, m.entries[sessionID]...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresHistory stores entries in location_history.
type PostgresHistory struct {
	db *pgxpool.Pool
}

func NewPostgresHistory(pool *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{db: pool}
}

func (p *PostgresHistory) Append(ctx context.Context, e HistoryEntry) error {
	query, args, err := psql.Insert("location_history").
		Columns("id", "service_session_id", "technician_id", "lat", "lng", "accuracy", "recorded_at").
		Values(e.ID, e.SessionID, e.TechnicianID, e.Lat, e.Lng, e.Accuracy, e.RecordedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, query, args...)
	return err
}

func (p *PostgresHistory) List(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	query, args, err := psql.
		Select("id", "service_session_id", "technician_id", "lat", "lng", "accuracy", "recorded_at").
		From("location_history").
		Where(sq.Eq{"service_session_id": sessionID}).
		OrderBy("recorded_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TechnicianID, &e.Lat, &e.Lng, &e.Accuracy, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
