package durex_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/atomic"

	durex "github.com/flowctl/durex"
)

// setupTestPool starts (or connects to) a Postgres instance and applies the
// durex schema, mirroring how the teacher's own integration suite bootstraps
// a database: prefer DUREX_TEST_DATABASE_URL if set, else spin up a
// disposable container.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var dbURL string
	if envURL := os.Getenv("DUREX_TEST_DATABASE_URL"); envURL != "" {
		dbURL = envURL
	} else {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("durex_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			t.Skipf("skipping integration test: could not start postgres container: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("skipping integration test: could not connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping integration test: could not ping database: %v", err)
	}

	if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS durex CASCADE"); err != nil {
		pool.Close()
		t.Fatalf("failed to drop schema: %v", err)
	}
	if _, err := pool.Exec(ctx, durex.SchemaSQL); err != nil {
		pool.Close()
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

func newTestEngine(t *testing.T, pool *pgxpool.Pool, opts ...durex.DriverOption) *durex.Engine {
	t.Helper()
	engine, err := durex.NewEngine(durex.EngineConfig{Pool: pool, ExecutorID: fmt.Sprintf("test-%d", time.Now().UnixNano()), DriverOpts: opts})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

// pumpWorker dequeues and processes jobs from engine's store up to maxTicks
// times, returning early once the queue goes empty for one tick. Tests use
// this instead of a running Worker so they can assert state deterministically
// between entries.
func pumpWorker(t *testing.T, engine *durex.Engine, maxTicks int) {
	t.Helper()
	ctx := context.Background()
	st := engine.Store()
	for i := 0; i < maxTicks; i++ {
		job, err := st.DequeueOne(ctx, nil, time.Minute)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if job == nil {
			return
		}
		if err := engine.Perform(ctx, job.JobClass, job.Key, job.Attempt, job.RetryWorkflow, job.Options, job.Kwargs); err != nil {
			t.Fatalf("perform failed: %v", err)
		}
		if err := st.DeleteJob(ctx, job.ID); err != nil {
			t.Fatalf("delete job failed: %v", err)
		}
	}
}

func TestHappyPathWorkflowCompletes(t *testing.T) {
	pool := setupTestPool(t)
	engine := newTestEngine(t, pool)

	calls := atomic.NewInt32(0)
	engine.Register("happy_path", func(ctx context.Context, r *durex.Run) error {
		return r.DurablyExecute("greet", 3, func(ctx context.Context) error {
			calls.Add(1)
			return r.Context.Set("greeting", "hello")
		})
	})

	if err := engine.Submit(context.Background(), "happy_path", "wf-1", map[string]any{}, map[string]any{}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pumpWorker(t, engine, 5)

	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}

	wf, err := engine.Store().GetWorkflow(context.Background(), engine.Store().Pool(), "happy_path", "wf-1")
	if err != nil {
		t.Fatalf("get workflow failed: %v", err)
	}
	if durex.WorkflowState(wf.State) != durex.WorkflowCompleted {
		t.Fatalf("expected workflow to be completed, got %s", durex.WorkflowState(wf.State))
	}
}

func TestTransientGlitchIsRetriedThenSucceeds(t *testing.T) {
	pool := setupTestPool(t)
	engine := newTestEngine(t, pool)

	attempts := atomic.NewInt32(0)
	engine.Register("flaky", func(ctx context.Context, r *durex.Run) error {
		return r.DurablyExecute("flaky_step", 5, func(ctx context.Context) error {
			n := attempts.Add(1)
			if n == 1 {
				return errors.New("transient glitch")
			}
			return nil
		})
	})

	if err := engine.Submit(context.Background(), "flaky", "wf-2", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The first failed attempt reschedules after the step-level exponential
	// backoff (2^min(1,5) == 2s); poll past that with margin rather than
	// asserting on wall-clock exactly.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pumpWorker(t, engine, 1)
		wf, err := engine.Store().GetWorkflow(context.Background(), engine.Store().Pool(), "flaky", "wf-2")
		if err != nil {
			t.Fatalf("get workflow failed: %v", err)
		}
		if durex.WorkflowState(wf.State) == durex.WorkflowCompleted {
			if attempts.Load() != 2 {
				t.Fatalf("expected 2 attempts, got %d", attempts.Load())
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("workflow never completed")
}

func TestPermanentFailureStopsRetrying(t *testing.T) {
	pool := setupTestPool(t)
	engine := newTestEngine(t, pool, durex.WithRetryPolicy(durex.RetryPolicy{
		Should: func(err error, attemptCount int) bool { return false },
	}))

	// A plain error returned directly from the body (not funneled through a
	// step primitive) exercises the Driver's own retry policy rather than
	// DurablyExecute's step-level backoff/ExecutionFailed path.
	engine.Register("always_fails", func(ctx context.Context, r *durex.Run) error {
		return errors.New("boom")
	})

	if err := engine.Submit(context.Background(), "always_fails", "wf-3", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pumpWorker(t, engine, 3)

	wf, err := engine.Store().GetWorkflow(context.Background(), engine.Store().Pool(), "always_fails", "wf-3")
	if err != nil {
		t.Fatalf("get workflow failed: %v", err)
	}
	if durex.WorkflowState(wf.State) != durex.WorkflowFailed {
		t.Fatalf("expected failed state, got %s", durex.WorkflowState(wf.State))
	}

	logs, err := engine.Store().ListErrorLogs(context.Background(), engine.Store().Pool(), wf.ID)
	if err != nil {
		t.Fatalf("list error logs failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one error log entry")
	}
}

func TestContinueIfHaltsUntilConditionMet(t *testing.T) {
	pool := setupTestPool(t)
	engine := newTestEngine(t, pool)

	approved := false
	afterCalls := atomic.NewInt32(0)
	engine.Register("approval_gate", func(ctx context.Context, r *durex.Run) error {
		if err := r.ContinueIf("manager_approved", func(ctx context.Context) (bool, error) {
			return approved, nil
		}); err != nil {
			return err
		}
		afterCalls.Add(1)
		return nil
	})

	if err := engine.Submit(context.Background(), "approval_gate", "wf-4", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pumpWorker(t, engine, 3)

	if afterCalls.Load() != 0 {
		t.Fatalf("expected the gated step to not run yet, got %d calls", afterCalls.Load())
	}

	wf, err := engine.Store().GetWorkflow(context.Background(), engine.Store().Pool(), "approval_gate", "wf-4")
	if err != nil {
		t.Fatalf("get workflow failed: %v", err)
	}
	if durex.WorkflowState(wf.State) != durex.WorkflowIdle {
		t.Fatalf("expected idle (halted without reschedule), got %s", durex.WorkflowState(wf.State))
	}

	approved = true
	// ContinueIf leaves the workflow idle (not stalled/failed), so resuming
	// it is a plain re-submit, not a retry_now/retry_later transition.
	if err := engine.Submit(context.Background(), "approval_gate", "wf-4", nil, nil); err != nil {
		t.Fatalf("re-submit failed: %v", err)
	}
	pumpWorker(t, engine, 3)

	if afterCalls.Load() != 1 {
		t.Fatalf("expected the gated step to run exactly once, got %d", afterCalls.Load())
	}
}

func TestConcurrentEntryIsSkippedNotDuplicated(t *testing.T) {
	pool := setupTestPool(t)
	engine := newTestEngine(t, pool)

	calls := atomic.NewInt32(0)
	engine.Register("locked", func(ctx context.Context, r *durex.Run) error {
		calls.Add(1)
		return nil
	})

	ctx := context.Background()
	if err := engine.Submit(ctx, "locked", "wf-5", nil, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	wf, err := engine.Store().GetWorkflow(ctx, engine.Store().Pool(), "locked", "wf-5")
	if err != nil {
		t.Fatalf("get workflow failed: %v", err)
	}

	// Simulate another executor instance already holding a fresh lease by
	// writing the lease columns directly, the way a second Perform call
	// would have left them.
	if _, err := pool.Exec(ctx, "UPDATE durex.workflows SET locked_by = $1, locked_at = now(), state = 1 WHERE id = $2",
		"other-executor", wf.ID); err != nil {
		t.Fatalf("failed to seed lease: %v", err)
	}

	pumpWorker(t, engine, 1)

	if calls.Load() != 0 {
		t.Fatalf("expected the body not to run while locked, got %d calls", calls.Load())
	}

	wf, err = engine.Store().GetWorkflow(ctx, engine.Store().Pool(), "locked", "wf-5")
	if err != nil {
		t.Fatalf("get workflow failed: %v", err)
	}
	if wf.LockedBy == nil || *wf.LockedBy != "other-executor" {
		t.Fatal("expected the other executor's lease to remain untouched")
	}
}
