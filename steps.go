package durex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowctl/durex/internal/store"
)

// Run is the handle a workflow body uses to call step primitives and to
// read/write its durable Context. It is valid only for the duration of
// one Executor Driver entry; a body must not retain it past its own
// return.
type Run struct {
	goCtx   context.Context
	wf      *store.Workflow
	st      *store.Store
	tracker *executionTracker
	jobs    JobSystem
	codec   Codec
	clock   func() time.Time

	// Context is the durable, JSON-safe key/value bag for this workflow.
	Context *Context
}

// Body is a workflow: plain code that re-runs from the top on every
// executor entry. Cross-entry state must live in r.Context; the step log
// is a memo table keyed by the step names the body passes to r's methods.
type Body func(ctx context.Context, r *Run) error

func (r *Run) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// reschedule enqueues this workflow after delay and returns a halt error
// documenting why, so the Driver can recover it silently.
func (r *Run) reschedule(ctx context.Context, delay time.Duration, reason string) error {
	payload := JobPayload{Kwargs: r.wf.Kwargs, Options: r.wf.Options}
	if delay <= 0 {
		if err := r.jobs.Enqueue(ctx, r.wf.JobClass, r.wf.Key, payload); err != nil {
			return fmt.Errorf("durex: reschedule %s/%s: %w", r.wf.JobClass, r.wf.Key, err)
		}
	} else {
		if err := r.jobs.EnqueueAfter(ctx, delay, r.wf.JobClass, r.wf.Key, payload); err != nil {
			return fmt.Errorf("durex: reschedule %s/%s: %w", r.wf.JobClass, r.wf.Key, err)
		}
	}
	return newHalt(reason)
}

func marshalMeta(codec Codec, v any) json.RawMessage {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// DurablyExecute runs fn at most once successfully across all replays of
// this workflow. name disambiguates multiple calls within one body.
func (r *Run) DurablyExecute(name string, maxAttempts int, fn func(ctx context.Context) error) error {
	if err := validateUserStepName(name); err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	stepName := prefixDurablyExecute + name

	log, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, stepName)
	if err != nil {
		return err
	}
	if StepState(log.State) == StepCompleted {
		return nil
	}

	attempts := log.Attempts + 1
	now := r.now()
	execErr := fn(r.goCtx)

	if execErr == nil {
		completedAt := now
		return r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepCompleted),
			LastExecutedAt: &now, CompletedAt: &completedAt,
		})
	}

	class := errorClassName(execErr)
	r.tracker.track(r.goCtx, r.wf.ID, class, execErr.Error(), r.Context)

	if attempts < maxAttempts {
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepPending),
			LastExecutedAt: &now, ErrorClass: &class, ErrorMessage: strPtr(execErr.Error()),
		}); err != nil {
			return err
		}
		return r.reschedule(r.goCtx, stepBackoff(attempts), fmt.Sprintf("retrying %s", stepName))
	}

	if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
		Attempts: attempts, State: int(StepFailed),
		LastExecutedAt: &now, ErrorClass: &class, ErrorMessage: strPtr(execErr.Error()),
	}); err != nil {
		return err
	}
	return &ExecutionFailed{StepName: stepName, Err: execErr}
}

// waitMetadata is the metadata payload for a `wait$` step.
type waitMetadata struct {
	WaitUntil time.Time `json:"wait_until"`
}

// Wait durably sleeps for duration, identified by name. Time is never
// slept in-process: if the deadline has not yet passed the workflow is
// re-enqueued for the remaining delay and the current entry halts.
func (r *Run) Wait(name string, duration time.Duration) error {
	if err := validateUserStepName(name); err != nil {
		return err
	}
	stepName := prefixWait + name

	log, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, stepName)
	if err != nil {
		return err
	}
	if StepState(log.State) == StepCompleted {
		return nil
	}

	var meta waitMetadata
	if len(log.Metadata) > 0 {
		_ = r.codec.Unmarshal(log.Metadata, &meta)
	} else {
		meta.WaitUntil = r.now().Add(duration)
	}

	now := r.now()
	if !now.Before(meta.WaitUntil) {
		completedAt := now
		return r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: log.Attempts + 1, State: int(StepCompleted),
			Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now, CompletedAt: &completedAt,
		})
	}

	if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
		Attempts: log.Attempts + 1, State: int(StepPending),
		Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now,
	}); err != nil {
		return err
	}
	return r.reschedule(r.goCtx, meta.WaitUntil.Sub(now), fmt.Sprintf("sleeping until %s", stepName))
}

// waitUntilMetadata is the metadata payload for a `wait_until$` step.
type waitUntilMetadata struct {
	TimeoutAt     time.Time `json:"timeout_at"`
	CheckInterval int64     `json:"check_interval_ns"`
	Result        bool      `json:"result,omitempty"`
}

// WaitUntilOptions configures WaitUntil.
type WaitUntilOptions struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	// RetryOn lists error-class names that should be retried with backoff
	// instead of immediately failing the step.
	RetryOn []string
}

// WaitUntil polls condition once per executor entry (never busy-looping in
// process); on timeout it raises WaitConditionNotMet (ExecutionFailed
// semantics).
func (r *Run) WaitUntil(name string, condition func(ctx context.Context) (bool, error), opts WaitUntilOptions) error {
	if err := validateUserStepName(name); err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Minute
	}
	stepName := prefixWaitUntil + name

	log, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, stepName)
	if err != nil {
		return err
	}
	if StepState(log.State) == StepCompleted {
		return nil
	}

	var meta waitUntilMetadata
	if len(log.Metadata) > 0 {
		_ = r.codec.Unmarshal(log.Metadata, &meta)
	} else {
		meta.TimeoutAt = r.now().Add(opts.Timeout)
		meta.CheckInterval = int64(opts.CheckInterval)
	}

	now := r.now()
	attempts := log.Attempts + 1
	ok, condErr := condition(r.goCtx)

	if condErr != nil {
		class := errorClassName(condErr)
		r.tracker.track(r.goCtx, r.wf.ID, class, condErr.Error(), r.Context)
		if containsString(opts.RetryOn, class) {
			if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
				Attempts: attempts, State: int(StepPending),
				Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now,
				ErrorClass: &class, ErrorMessage: strPtr(condErr.Error()),
			}); err != nil {
				return err
			}
			return r.reschedule(r.goCtx, stepBackoff(attempts), fmt.Sprintf("retrying %s", stepName))
		}
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepFailed),
			Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now,
			ErrorClass: &class, ErrorMessage: strPtr(condErr.Error()),
		}); err != nil {
			return err
		}
		return &ExecutionFailed{StepName: stepName, Err: condErr}
	}

	if ok {
		meta.Result = true
		completedAt := now
		return r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepCompleted),
			Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now, CompletedAt: &completedAt,
		})
	}

	if now.After(meta.TimeoutAt) {
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepFailed),
			Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now,
		}); err != nil {
			return err
		}
		return &WaitConditionNotMet{StepName: stepName}
	}

	if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
		Attempts: attempts, State: int(StepPending),
		Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now,
	}); err != nil {
		return err
	}
	return r.reschedule(r.goCtx, opts.CheckInterval, fmt.Sprintf("polling %s", stepName))
}

// continueIfMetadata is the metadata payload for a `continue_if$` step.
type continueIfMetadata struct {
	Result bool `json:"result,omitempty"`
}

// ContinueIf evaluates condition exactly once per executor entry with no
// automatic polling: on false it halts without rescheduling, leaving the
// workflow idle until some external actor re-enqueues it (typically in
// response to the event condition depends on).
func (r *Run) ContinueIf(name string, condition func(ctx context.Context) (bool, error)) error {
	if err := validateUserStepName(name); err != nil {
		return err
	}
	stepName := prefixContinueIf + name

	log, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, stepName)
	if err != nil {
		return err
	}
	if StepState(log.State) == StepCompleted {
		return nil
	}

	now := r.now()
	attempts := log.Attempts + 1
	ok, condErr := condition(r.goCtx)

	if condErr != nil {
		class := errorClassName(condErr)
		r.tracker.track(r.goCtx, r.wf.ID, class, condErr.Error(), r.Context)
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepFailed), LastExecutedAt: &now,
			ErrorClass: &class, ErrorMessage: strPtr(condErr.Error()),
		}); err != nil {
			return err
		}
		return &ExecutionFailed{StepName: stepName, Err: condErr}
	}

	if ok {
		meta := continueIfMetadata{Result: true}
		completedAt := now
		return r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepCompleted),
			Metadata: marshalMeta(r.codec, meta), LastExecutedAt: &now, CompletedAt: &completedAt,
		})
	}

	if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), log.ID, store.StepAttemptUpdate{
		Attempts: attempts, State: int(StepPending), LastExecutedAt: &now,
	}); err != nil {
		return err
	}
	return newHalt(fmt.Sprintf("%s not yet met", stepName))
}

func strPtr(s string) *string { return &s }

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
