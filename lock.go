package durex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowctl/durex/internal/store"
)

// DefaultMaxLockDuration bounds how long a lease may be held before another
// executor instance is allowed to consider it stale and take over.
const DefaultMaxLockDuration = 10 * time.Minute

// lockManager enforces single-writer mutual exclusion on a workflow via a
// row lock plus a lease field, per the specification's staleness-by-lease
// design (no heartbeats).
type lockManager struct {
	store       *store.Store
	maxDuration time.Duration
}

func newLockManager(st *store.Store, maxDuration time.Duration) *lockManager {
	if maxDuration <= 0 {
		maxDuration = DefaultMaxLockDuration
	}
	return &lockManager{store: st, maxDuration: maxDuration}
}

// acquire takes the lease for executorID on the workflow identified by id.
// It returns the refreshed row on success, or *ConcurrentExecution if a
// non-stale lease is already held by someone else.
func (m *lockManager) acquire(ctx context.Context, executorID string, id uuid.UUID, key string) (*store.Workflow, error) {
	var acquired *store.Workflow
	err := m.store.WithRowLock(ctx, id, func(tx pgx.Tx, wf *store.Workflow) error {
		if wf.LockedAt != nil && wf.LockedAt.After(time.Now().Add(-m.maxDuration)) {
			lockedBy := ""
			if wf.LockedBy != nil {
				lockedBy = *wf.LockedBy
			}
			return &ConcurrentExecution{Key: key, LockedBy: lockedBy}
		}

		now := time.Now()
		lockedBy := executorID
		if err := m.store.UpdateLease(ctx, tx, id, &lockedBy, &now, int(WorkflowRunning)); err != nil {
			return err
		}
		wf.LockedBy = &lockedBy
		wf.LockedAt = &now
		wf.State = int(WorkflowRunning)
		acquired = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// release clears the lease. If force is false and the lease is no longer
// held by executorID, it returns *LongRunningConcurrentExecution: someone
// else took over while this instance was still working, and terminal
// states must not be demoted out from under them. Otherwise, if the
// workflow is still `running`, it is demoted to `idle` (with force it is
// set to `idle` whatever its state).
func (m *lockManager) release(ctx context.Context, executorID string, id uuid.UUID, key string, force bool) error {
	return m.store.WithRowLock(ctx, id, func(tx pgx.Tx, wf *store.Workflow) error {
		actual := ""
		if wf.LockedBy != nil {
			actual = *wf.LockedBy
		}
		if !force && actual != executorID {
			return &LongRunningConcurrentExecution{Key: key, ExpectedOwner: executorID, ActualOwner: actual}
		}

		newState := wf.State
		if force || WorkflowState(wf.State) == WorkflowRunning {
			newState = int(WorkflowIdle)
		}
		if err := m.store.UpdateLease(ctx, tx, id, nil, nil, newState); err != nil {
			return fmt.Errorf("durex: release lock on %s: %w", key, err)
		}
		return nil
	})
}
