package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// New wraps an already opened pool.
func New(pool *pgxpool.Pool, log *zap.Logger) *DB {
	return &DB{Pool: pool, log: log.Named("postgres")}
}

// Connect opens a connection pool with retry logic.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*DB, error) {
	log = log.Named("postgres")
	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 30; i++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("connected to PostgreSQL")
				return &DB{Pool: pool, log: log}, nil
			}
			pool.Close()
		}
		log.Info("waiting for PostgreSQL", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("postgres: failed after 30 attempts: %w", err)
}

// RunMigrations applies the goose SQL migrations found at the root of
// migrationFS.
func (d *DB) RunMigrations(ctx context.Context, migrationFS fs.FS) error {
	sqlDB := stdlib.OpenDBFromPool(d.Pool)
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrationFS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	for _, r := range results {
		d.log.Info("applied migration",
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration))
	}
	return nil
}

// Close shuts down the pool.
func (d *DB) Close() { d.Pool.Close() }

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
