package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InsertErrorLog records one observed exception, grounded on the
// Execution Tracker contract: never returns a user-facing error the
// caller is expected to treat as fatal, though the error is still
// returned so the caller can log-and-swallow per the tracker's contract.
func (s *Store) InsertErrorLog(ctx context.Context, db DBTX, workflowID uuid.UUID, errorClass, errorMessage, backtrace string, contextSnapshot json.RawMessage) (*ErrorLog, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("store: generate error log id: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, workflow_id, error_class, error_message, backtrace, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING id, workflow_id, error_class, error_message, backtrace, context, created_at, updated_at
	`, s.tables.errorLogs)

	log := &ErrorLog{}
	err = db.QueryRow(ctx, query, id, workflowID, errorClass, errorMessage, backtrace, contextSnapshot).Scan(
		&log.ID, &log.WorkflowID, &log.ErrorClass, &log.ErrorMessage, &log.Backtrace, &log.Context, &log.CreatedAt, &log.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert error log for %s: %w", workflowID, err)
	}
	return log, nil
}

// ListErrorLogs returns every error_logs row for a workflow, ordered by
// creation, for tests and diagnostics.
func (s *Store) ListErrorLogs(ctx context.Context, db DBTX, workflowID uuid.UUID) ([]*ErrorLog, error) {
	query := fmt.Sprintf(`
		SELECT id, workflow_id, error_class, error_message, backtrace, context, created_at, updated_at
		FROM %s WHERE workflow_id = $1 ORDER BY created_at ASC
	`, s.tables.errorLogs)

	rows, err := db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list error logs for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var logs []*ErrorLog
	for rows.Next() {
		log := &ErrorLog{}
		if err := rows.Scan(
			&log.ID, &log.WorkflowID, &log.ErrorClass, &log.ErrorMessage, &log.Backtrace, &log.Context, &log.CreatedAt, &log.UpdatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
