package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindOrCreateStep atomically upserts the execution_logs row identified by
// (workflowID, stepName). A newly created row starts pending with
// attempts=0; an existing row is returned untouched regardless of its
// state, since step primitives decide for themselves whether to
// short-circuit or re-attempt.
func (s *Store) FindOrCreateStep(ctx context.Context, db DBTX, workflowID uuid.UUID, stepName string) (*ExecutionLog, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("store: generate step id: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, workflow_id, step_name, attempts, state, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, now(), now())
		ON CONFLICT (workflow_id, step_name) DO UPDATE SET step_name = EXCLUDED.step_name
		RETURNING id, workflow_id, step_name, attempts, started_at, last_executed_at, completed_at, metadata, state, error_class, error_message, created_at, updated_at
	`, s.tables.executionLogs)

	log := &ExecutionLog{}
	err = db.QueryRow(ctx, query, id, workflowID, stepName).Scan(
		&log.ID, &log.WorkflowID, &log.StepName, &log.Attempts, &log.StartedAt, &log.LastExecutedAt,
		&log.CompletedAt, &log.Metadata, &log.State, &log.ErrorClass, &log.ErrorMessage, &log.CreatedAt, &log.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: find or create step %s/%s: %w", workflowID, stepName, err)
	}
	return log, nil
}

// GetStep loads a single execution_logs row, or ErrNotFound.
func (s *Store) GetStep(ctx context.Context, db DBTX, workflowID uuid.UUID, stepName string) (*ExecutionLog, error) {
	query := fmt.Sprintf(`
		SELECT id, workflow_id, step_name, attempts, started_at, last_executed_at, completed_at, metadata, state, error_class, error_message, created_at, updated_at
		FROM %s WHERE workflow_id = $1 AND step_name = $2
	`, s.tables.executionLogs)

	log := &ExecutionLog{}
	err := db.QueryRow(ctx, query, workflowID, stepName).Scan(
		&log.ID, &log.WorkflowID, &log.StepName, &log.Attempts, &log.StartedAt, &log.LastExecutedAt,
		&log.CompletedAt, &log.Metadata, &log.State, &log.ErrorClass, &log.ErrorMessage, &log.CreatedAt, &log.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get step %s/%s: %w", workflowID, stepName, err)
	}
	return log, nil
}

// ListSteps returns every execution_logs row for a workflow, ordered by
// creation (replay order), for tests and diagnostics.
func (s *Store) ListSteps(ctx context.Context, db DBTX, workflowID uuid.UUID) ([]*ExecutionLog, error) {
	query := fmt.Sprintf(`
		SELECT id, workflow_id, step_name, attempts, started_at, last_executed_at, completed_at, metadata, state, error_class, error_message, created_at, updated_at
		FROM %s WHERE workflow_id = $1 ORDER BY created_at ASC
	`, s.tables.executionLogs)

	rows, err := db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		log := &ExecutionLog{}
		if err := rows.Scan(
			&log.ID, &log.WorkflowID, &log.StepName, &log.Attempts, &log.StartedAt, &log.LastExecutedAt,
			&log.CompletedAt, &log.Metadata, &log.State, &log.ErrorClass, &log.ErrorMessage, &log.CreatedAt, &log.UpdatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// StepAttemptUpdate is the set of columns a step primitive writes after one
// attempt, whether it succeeded or failed.
type StepAttemptUpdate struct {
	Attempts       int
	State          int
	Metadata       json.RawMessage
	ErrorClass     *string
	ErrorMessage   *string
	StartedAt      *time.Time
	LastExecutedAt *time.Time
	CompletedAt    *time.Time
}

// UpdateStep writes the outcome of one attempt. It is always an update by
// primary key, never a blind upsert, since FindOrCreateStep already
// guaranteed the row exists.
func (s *Store) UpdateStep(ctx context.Context, db DBTX, id uuid.UUID, u StepAttemptUpdate) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			attempts = $1, state = $2, metadata = $3, error_class = $4, error_message = $5,
			started_at = COALESCE(started_at, $6), last_executed_at = $7, completed_at = $8, updated_at = now()
		WHERE id = $9
	`, s.tables.executionLogs)
	_, err := db.Exec(ctx, query, u.Attempts, u.State, u.Metadata, u.ErrorClass, u.ErrorMessage,
		u.StartedAt, u.LastExecutedAt, u.CompletedAt, id)
	if err != nil {
		return fmt.Errorf("store: update step %s: %w", id, err)
	}
	return nil
}
