// Package store provides transactional persistence for workflows, their
// execution logs, and their error logs, on top of a Postgres connection
// pool. It is the only package that knows SQL; everything above it talks
// in terms of Go structs and the DBTX interface.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal database interface the store package requires.
// A *pgxpool.Pool, a pgx.Tx, or a pooled pgx.Conn all satisfy it, which is
// how the same find-or-create logic runs standalone and inside the Lock
// Manager's row-locking transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config configures a Store.
type Config struct {
	Pool *pgxpool.Pool
	// Schema optionally qualifies every table name, e.g. "myapp" turns
	// "workflows" into "myapp.workflows". Empty means DefaultSchema.
	Schema string
}

// Store provides the persistence operations required by the executor:
// find-or-create upserts, row-level locking, and column updates on the
// three persisted tables, plus the jobs queue table.
type Store struct {
	pool   *pgxpool.Pool
	tables tableNames
}

// New creates a Store backed by pool, with tables qualified by cfg.Schema.
func New(cfg Config) *Store {
	return &Store{pool: cfg.Pool, tables: newTableNames(cfg.Schema)}
}

// Pool returns the underlying connection pool, for callers that pass it as
// the DBTX argument of the Store's methods or run their own queries
// against the same database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Workflow is the root instance row.
type Workflow struct {
	ID          uuid.UUID
	Key         string
	JobClass    string
	Kwargs      json.RawMessage
	Options     json.RawMessage
	Context     json.RawMessage
	State       int
	LockedBy    *string
	LockedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionLog is one row per workflow step.
type ExecutionLog struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	StepName       string
	Attempts       int
	StartedAt      *time.Time
	LastExecutedAt *time.Time
	CompletedAt    *time.Time
	Metadata       json.RawMessage
	State          int
	ErrorClass     *string
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrorLog is one row per observed exception.
type ErrorLog struct {
	ID           uuid.UUID
	WorkflowID   uuid.UUID
	ErrorClass   string
	ErrorMessage string
	Backtrace    string
	Context      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
