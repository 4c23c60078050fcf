package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	sqlStore
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool to the database
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{
		sqlStore: sqlStore{
			c: pgConn{pool: pool},
			d: dialect{
				numbered: true,
				timeArg:  func(t time.Time) any { return t },
				isNoRows: func(err error) bool { return errors.Is(err, pgx.ErrNoRows) },
				isUniqueViolation: func(err error) bool {
					var pgErr *pgconn.PgError
					return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
				},
			},
		},
		pool: pool,
	}, nil
}

// Migrate applies the embedded PostgreSQL migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(p.pool)
	return migratePostgres(ctx, sqlDB)
}

// Ping verifies the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// pgConn adapts pgxpool to conn.
type pgConn struct {
	pool *pgxpool.Pool
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return c.pool.QueryRow(ctx, query, args...)
}

func (c pgConn) query(ctx context.Context, query string, args ...any) (rowsScanner, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
