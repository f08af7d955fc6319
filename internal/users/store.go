package users

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-service/pkg/db"
)

// Store persists accounts. Emails are unique, compared case-insensitively.
type Store interface {
	Create(ctx context.Context, a *Account) error
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Account)}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if strings.EqualFold(existing.Email, a.Email) {
			return ErrEmailTaken
		}
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.byID {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *a
	return &cp, nil
}

// PostgresStore keeps accounts in the accounts table.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO accounts (id,name,email,phone,password_hash,role,category,verification_code,rating,created_at)
		 VALUES ($1,$2,lower($3),$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,$10)`,
		a.ID, a.Name, a.Email, a.Phone, a.PasswordHash, a.Role, a.Category, a.VerificationCode, a.Rating, a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

const accountColumns = `id,name,email,phone,password_hash,role,COALESCE(category,''),COALESCE(verification_code,''),rating,created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.PasswordHash, &a.Role,
		&a.Category, &a.VerificationCode, &a.Rating, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(p.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email=lower($1)`, email))
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}
