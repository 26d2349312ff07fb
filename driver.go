package durex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowctl/durex/internal/store"
)

// Driver is the Executor Driver: the entrypoint a job system invokes to
// (re)enter a workflow. It composes the Lock Manager, Context, Retry
// Policy, and Execution Tracker around one call to a workflow Body.
type Driver struct {
	store       *store.Store
	lock        *lockManager
	tracker     *executionTracker
	jobs        JobSystem
	codec       Codec
	retryPolicy RetryPolicy
	executorID  string
	clock       func() time.Time
	logger      *slog.Logger
}

// DriverOption configures a Driver built by NewDriver.
type DriverOption func(*Driver)

// WithRetryPolicy overrides the default retry policy used for user
// exceptions (not step-level retries, which follow stepBackoff's
// exponential schedule).
func WithRetryPolicy(p RetryPolicy) DriverOption {
	return func(d *Driver) { d.retryPolicy = p }
}

// WithMaxLockDuration overrides DefaultMaxLockDuration.
func WithMaxLockDuration(d time.Duration) DriverOption {
	return func(drv *Driver) { drv.lock.maxDuration = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithCodec overrides the default JSONCodec.
func WithCodec(c Codec) DriverOption {
	return func(d *Driver) { d.codec = c }
}

// NewDriver builds a Driver backed by st and jobs, identifying this
// executor instance as executorID when acquiring locks (typically a
// hostname/pid or a random id per process).
func NewDriver(st *store.Store, jobs JobSystem, executorID string, opts ...DriverOption) *Driver {
	d := &Driver{
		store:       st,
		jobs:        jobs,
		codec:       JSONCodec{},
		retryPolicy: DefaultRetryPolicy,
		executorID:  executorID,
		logger:      slog.Default(),
	}
	d.lock = newLockManager(st, DefaultMaxLockDuration)
	for _, opt := range opts {
		opt(d)
	}
	d.tracker = newExecutionTracker(st, d.codec, d.logger)
	return d
}

func (d *Driver) now() time.Time {
	if d.clock != nil {
		return d.clock()
	}
	return time.Now()
}

// Perform is the Executor Driver entrypoint: load-or-create the workflow,
// optionally run the retry transition, acquire the lock, build a fresh
// Context, run body, and resolve to completion/stalled/failed/idle. It
// always releases the lock it acquired, and never panics: every outcome
// is reported as a returned error or as nil on success.
func (d *Driver) Perform(ctx context.Context, jobClass, key string, attempt int, retryWorkflow bool, options, kwargs json.RawMessage, body Body) error {
	if attempt >= MaxAttempts {
		d.logger.Warn("durex: dropping entry past attempt cap", "job_class", jobClass, "key", key, "attempt", attempt)
		return nil
	}

	wf, err := d.store.FindOrCreateWorkflow(ctx, d.store.Pool(), jobClass, key, store.WorkflowInit{Kwargs: kwargs, Options: options})
	if err != nil {
		return fmt.Errorf("durex: find or create workflow %s/%s: %w", jobClass, key, err)
	}

	if retryWorkflow {
		if err := d.retryTransition(ctx, wf, key); err != nil {
			return err
		}
	}

	wf, err = d.lock.acquire(ctx, d.executorID, wf.ID, key)
	if err != nil {
		var ce *ConcurrentExecution
		if errors.As(err, &ce) {
			d.logger.Warn("durex: skipping locked workflow", "key", key, "locked_by", ce.LockedBy)
			return nil
		}
		return err
	}

	wfCtx, err := newContextFromJSON(wf.Context)
	if err != nil {
		_ = d.lock.release(ctx, d.executorID, wf.ID, key, false)
		return err
	}

	run := &Run{goCtx: ctx, wf: wf, st: d.store, tracker: d.tracker, jobs: d.jobs, codec: d.codec, clock: d.clock, Context: wfCtx}

	bodyErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("durex: workflow body panicked: %v", p)
			}
		}()
		return body(ctx, run)
	}()

	outcome := d.resolve(ctx, wf, key, attempt, bodyErr)

	if wfCtx.Dirty() {
		if saveErr := d.store.UpdateContext(ctx, d.store.Pool(), wf.ID, mustMarshalContext(wfCtx)); saveErr != nil {
			d.logger.Error("durex: failed to persist context", "key", key, "error", saveErr)
		} else {
			wfCtx.clearDirty()
		}
	}
	if relErr := d.lock.release(ctx, d.executorID, wf.ID, key, false); relErr != nil {
		var lrce *LongRunningConcurrentExecution
		if errors.As(relErr, &lrce) {
			d.logger.Warn("durex: lease taken over during entry", "key", key, "actual_owner", lrce.ActualOwner)
			d.tracker.track(ctx, wf.ID, errorClassName(relErr), relErr.Error(), wfCtx)
		} else {
			d.logger.Error("durex: failed to release lock", "key", key, "error", relErr)
		}
	}

	return outcome
}

// resolve implements the Driver's exception-handling table (spec §4.8
// step 5 / §7). It never returns ConcurrentExecution (handled before this
// point) and never panics.
func (d *Driver) resolve(ctx context.Context, wf *store.Workflow, key string, attempt int, bodyErr error) error {
	if bodyErr == nil {
		return d.complete(ctx, wf)
	}

	if IsHalt(bodyErr) {
		return nil
	}

	var ef *ExecutionFailed
	var wcnm *WaitConditionNotMet
	if errors.As(bodyErr, &ef) || errors.As(bodyErr, &wcnm) {
		if err := d.store.UpdateState(ctx, d.store.Pool(), wf.ID, int(WorkflowStalled), nil); err != nil {
			return fmt.Errorf("durex: stall workflow %s: %w", key, err)
		}
		return nil
	}

	var wnr *WorkflowNotRetryable
	if errors.As(bodyErr, &wnr) {
		return bodyErr
	}

	class := errorClassName(bodyErr)
	errLog := d.tracker.track(ctx, wf.ID, class, bodyErr.Error(), nil)

	if d.retryPolicy.shouldRetry(bodyErr, attempt) {
		delay := d.retryPolicy.Backoff(attempt)
		if err := d.jobs.EnqueueAfter(ctx, delay, wf.JobClass, key, JobPayload{
			Attempt: attempt + 1, Options: wf.Options, Kwargs: wf.Kwargs,
		}); err != nil {
			return fmt.Errorf("durex: schedule retry for %s: %w", key, err)
		}
		return nil
	}

	return d.failTerminal(ctx, wf, errLog)
}

// complete writes the idempotent `$workflow_completion$` step and marks the
// workflow completed. Re-entering after a crash mid-completion replays
// the body (its completed steps short-circuit), then re-finds the same
// step and brings it to completed.
func (d *Driver) complete(ctx context.Context, wf *store.Workflow) error {
	log, err := d.store.FindOrCreateStep(ctx, d.store.Pool(), wf.ID, stepWorkflowCompletion)
	if err != nil {
		return err
	}
	now := d.now()
	if StepState(log.State) != StepCompleted {
		if err := d.store.UpdateStep(ctx, d.store.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: log.Attempts + 1, State: int(StepCompleted), LastExecutedAt: &now, CompletedAt: &now,
		}); err != nil {
			return err
		}
	}
	return d.store.UpdateState(ctx, d.store.Pool(), wf.ID, int(WorkflowCompleted), &now)
}

// failTerminal writes the idempotent `$workflow_failure$<error_log_id>`
// step and marks the workflow failed.
func (d *Driver) failTerminal(ctx context.Context, wf *store.Workflow, errLog *store.ErrorLog) error {
	stepName := stepWorkflowFailure
	if errLog != nil {
		stepName = fmt.Sprintf("%s%s", stepWorkflowFailure, errLog.ID)
	}
	log, err := d.store.FindOrCreateStep(ctx, d.store.Pool(), wf.ID, stepName)
	if err != nil {
		return err
	}
	now := d.now()
	if StepState(log.State) != StepCompleted {
		if err := d.store.UpdateStep(ctx, d.store.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: log.Attempts + 1, State: int(StepCompleted), LastExecutedAt: &now, CompletedAt: &now,
		}); err != nil {
			return err
		}
	}
	return d.store.UpdateState(ctx, d.store.Pool(), wf.ID, int(WorkflowFailed), &now)
}

// retryTransition implements the {stalled,failed} -> idle transition from
// an explicit retry request: it writes a `$workflow_retry$<unix_ts>` log,
// force-releases the lock, and sets the workflow idle so the next acquire
// succeeds.
func (d *Driver) retryTransition(ctx context.Context, wf *store.Workflow, key string) error {
	if !WorkflowState(wf.State).Retryable() {
		return &WorkflowNotRetryable{Key: key, State: WorkflowState(wf.State)}
	}

	now := d.now()
	stepName := fmt.Sprintf("%s%d", stepWorkflowRetry, now.Unix())
	log, err := d.store.FindOrCreateStep(ctx, d.store.Pool(), wf.ID, stepName)
	if err != nil {
		return err
	}
	if StepState(log.State) != StepCompleted {
		if err := d.store.UpdateStep(ctx, d.store.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: log.Attempts + 1, State: int(StepCompleted), LastExecutedAt: &now, CompletedAt: &now,
		}); err != nil {
			return err
		}
	}

	if err := d.store.UpdateState(ctx, d.store.Pool(), wf.ID, int(WorkflowIdle), nil); err != nil {
		return err
	}
	return d.lock.release(ctx, d.executorID, wf.ID, key, true)
}

func mustMarshalContext(c *Context) json.RawMessage {
	b, err := c.MarshalJSON()
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
