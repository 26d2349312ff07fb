package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WorkflowInit supplies the fields written only when FindOrCreateWorkflow
// creates a new row; an existing row is returned untouched.
type WorkflowInit struct {
	Kwargs  json.RawMessage
	Options json.RawMessage
}

// FindOrCreateWorkflow atomically upserts the workflow row identified by
// (jobClass, key). On conflict it re-reads the existing row rather than
// overwriting it, so a concurrent create loses the race gracefully instead
// of erroring.
func (s *Store) FindOrCreateWorkflow(ctx context.Context, db DBTX, jobClass, key string, init WorkflowInit) (*Workflow, error) {
	kwargs := init.Kwargs
	if kwargs == nil {
		kwargs = json.RawMessage(`{}`)
	}
	options := init.Options
	if options == nil {
		options = json.RawMessage(`{}`)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("store: generate workflow id: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, key, job_class, kwargs, options, context, state, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, 0, now(), now(), now())
		ON CONFLICT (job_class, key) DO UPDATE SET job_class = EXCLUDED.job_class
		RETURNING id, key, job_class, kwargs, options, context, state, locked_by, locked_at, started_at, completed_at, created_at, updated_at
	`, s.tables.workflows)

	wf := &Workflow{}
	err = db.QueryRow(ctx, query, id, key, jobClass, kwargs, options).Scan(
		&wf.ID, &wf.Key, &wf.JobClass, &wf.Kwargs, &wf.Options, &wf.Context, &wf.State,
		&wf.LockedBy, &wf.LockedAt, &wf.StartedAt, &wf.CompletedAt, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: find or create workflow %s/%s: %w", jobClass, key, err)
	}
	return wf, nil
}

// GetWorkflow loads a workflow row by (jobClass, key).
func (s *Store) GetWorkflow(ctx context.Context, db DBTX, jobClass, key string) (*Workflow, error) {
	query := fmt.Sprintf(`
		SELECT id, key, job_class, kwargs, options, context, state, locked_by, locked_at, started_at, completed_at, created_at, updated_at
		FROM %s WHERE job_class = $1 AND key = $2
	`, s.tables.workflows)

	wf := &Workflow{}
	err := db.QueryRow(ctx, query, jobClass, key).Scan(
		&wf.ID, &wf.Key, &wf.JobClass, &wf.Kwargs, &wf.Options, &wf.Context, &wf.State,
		&wf.LockedBy, &wf.LockedAt, &wf.StartedAt, &wf.CompletedAt, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow %s/%s: %w", jobClass, key, err)
	}
	return wf, nil
}

// WithRowLock opens a transaction, takes a row lock (SELECT ... FOR UPDATE)
// on the workflow identified by id, runs fn with the locked row and the
// transaction, and commits on success or rolls back on error. This is the
// building block the Lock Manager uses for acquire/release.
func (s *Store) WithRowLock(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, wf *Workflow) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, key, job_class, kwargs, options, context, state, locked_by, locked_at, started_at, completed_at, created_at, updated_at
		FROM %s WHERE id = $1 FOR UPDATE
	`, s.tables.workflows)

	wf := &Workflow{}
	err = tx.QueryRow(ctx, query, id).Scan(
		&wf.ID, &wf.Key, &wf.JobClass, &wf.Kwargs, &wf.Options, &wf.Context, &wf.State,
		&wf.LockedBy, &wf.LockedAt, &wf.StartedAt, &wf.CompletedAt, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock workflow %s: %w", id, err)
	}

	if err := fn(tx, wf); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	committed = true
	return nil
}

// UpdateLease sets (or clears, when lockedBy is nil) the lease fields and
// state in a single statement. It is called from inside a WithRowLock
// transaction.
func (s *Store) UpdateLease(ctx context.Context, tx pgx.Tx, id uuid.UUID, lockedBy *string, lockedAt *time.Time, state int) error {
	query := fmt.Sprintf(`
		UPDATE %s SET locked_by = $1, locked_at = $2, state = $3, updated_at = now()
		WHERE id = $4
	`, s.tables.workflows)
	_, err := tx.Exec(ctx, query, lockedBy, lockedAt, state, id)
	if err != nil {
		return fmt.Errorf("store: update lease on %s: %w", id, err)
	}
	return nil
}

// UpdateContext persists the Context's JSON blob.
func (s *Store) UpdateContext(ctx context.Context, db DBTX, id uuid.UUID, contextJSON json.RawMessage) error {
	query := fmt.Sprintf(`UPDATE %s SET context = $1, updated_at = now() WHERE id = $2`, s.tables.workflows)
	_, err := db.Exec(ctx, query, contextJSON, id)
	if err != nil {
		return fmt.Errorf("store: update context on %s: %w", id, err)
	}
	return nil
}

// UpdateState transitions the workflow's state column, optionally stamping
// completed_at.
func (s *Store) UpdateState(ctx context.Context, db DBTX, id uuid.UUID, state int, completedAt *time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET state = $1, completed_at = COALESCE($2, completed_at), updated_at = now()
		WHERE id = $3
	`, s.tables.workflows)
	_, err := db.Exec(ctx, query, state, completedAt, id)
	if err != nil {
		return fmt.Errorf("store: update state on %s: %w", id, err)
	}
	return nil
}
