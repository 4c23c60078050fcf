// Package db provides the job store: analysis jobs, their stage results and users,
// backed by PostgreSQL in production and SQLite for local runs and tests.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a guarded update matched no row,
	// either because the job is absent or because it is not in the required state.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrEmailTaken is returned by CreateUser for a duplicate email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUnknownStage is returned for a stage name with no result slot.
	ErrUnknownStage = errors.New("unknown stage")
)

// Store persists jobs and users. Lookups return (nil, nil) when the row is absent.
type Store interface {
	CreateJob(ctx context.Context, in NewJob) (*Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, f JobFilters) ([]Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (bool, error)
	SaveStageResult(ctx context.Context, id uuid.UUID, stage string, value json.RawMessage) error
	CompleteJob(ctx context.Context, id uuid.UUID, results map[string]json.RawMessage) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error

	CreateUser(ctx context.Context, in NewUser) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CountJobsByUser(ctx context.Context, userID uuid.UUID) (int, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the store named by databaseURL. postgres:// and postgresql://
// select PostgreSQL; sqlite://<path> selects SQLite (sqlite://:memory: for an
// in-memory database).
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", redactURL(databaseURL))
	}
}

// redactURL drops everything after the scheme so credentials never reach logs.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i] + "://..."
	}
	return "..."
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)
