package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job is one row in the default Postgres-backed job system. It mirrors the
// (job_class, key, attempt, options, kwargs) payload the Executor Driver's
// Perform entrypoint expects.
type Job struct {
	ID            uuid.UUID
	JobClass      string
	Key           string
	Attempt       int
	Options       json.RawMessage
	Kwargs        json.RawMessage
	RetryWorkflow bool
	RunAt         time.Time
}

// Enqueue inserts a job runnable at runAt (immediately, if runAt is zero).
// This is the concrete implementation backing the core's enqueue/
// enqueue_after contract; callers may substitute their own JobSystem
// instead of this table.
func (s *Store) Enqueue(ctx context.Context, db DBTX, job Job) error {
	id := job.ID
	var err error
	if id == uuid.Nil {
		id, err = uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: generate job id: %w", err)
		}
	}
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	kwargs := job.Kwargs
	if kwargs == nil {
		kwargs = json.RawMessage(`{}`)
	}
	options := job.Options
	if options == nil {
		options = json.RawMessage(`{}`)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, job_class, key, attempt, options, kwargs, retry_workflow, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, s.tables.jobs)
	_, err = db.Exec(ctx, query, id, job.JobClass, job.Key, job.Attempt, options, kwargs, job.RetryWorkflow, runAt)
	if err != nil {
		return fmt.Errorf("store: enqueue job %s/%s: %w", job.JobClass, job.Key, err)
	}
	return nil
}

// DequeueOne claims the oldest runnable job using SELECT ... FOR UPDATE
// SKIP LOCKED, so multiple worker goroutines (or processes) never claim the
// same row. A nil or empty jobClasses matches every class, for a worker that
// handles whatever is registered rather than a fixed set. A claimed row's
// visibility_timeout is pushed out so another poller won't reclaim it while
// this one is still handling it; DeleteJob removes it on success, and
// letting the timeout lapse re-surfaces it on failure.
func (s *Store) DequeueOne(ctx context.Context, jobClasses []string, visibilityTimeout time.Duration) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin dequeue tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, job_class, key, attempt, options, kwargs, retry_workflow, run_at
		FROM %s
		WHERE ($1::text[] IS NULL OR cardinality($1::text[]) = 0 OR job_class = ANY($1)) AND run_at <= now()
		  AND (visibility_timeout IS NULL OR visibility_timeout <= now())
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, s.tables.jobs)

	job := &Job{}
	err = tx.QueryRow(ctx, query, jobClasses).Scan(
		&job.ID, &job.JobClass, &job.Key, &job.Attempt, &job.Options, &job.Kwargs, &job.RetryWorkflow, &job.RunAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: dequeue job: %w", err)
	}

	newTimeout := time.Now().Add(visibilityTimeout)
	updateQuery := fmt.Sprintf(`UPDATE %s SET visibility_timeout = $1 WHERE id = $2`, s.tables.jobs)
	if _, err := tx.Exec(ctx, updateQuery, newTimeout, job.ID); err != nil {
		return nil, fmt.Errorf("store: extend visibility timeout for job %s: %w", job.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit dequeue tx: %w", err)
	}
	committed = true
	return job, nil
}

// DeleteJob removes a job after it has been handled.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tables.jobs)
	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete job %s: %w", id, err)
	}
	return nil
}
