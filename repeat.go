package durex

import (
	"context"
	"fmt"
	"time"

	"github.com/flowctl/durex/internal/store"
)

// RepeatErrorPolicy controls what DurablyRepeat does once a tick's method
// has exhausted its own attempts.
type RepeatErrorPolicy int

const (
	// RepeatContinue advances the schedule past the failed tick and keeps
	// the periodic task running. This is the default.
	RepeatContinue RepeatErrorPolicy = iota
	// RepeatFailWorkflow raises ExecutionFailed, stalling the whole
	// workflow on a single tick's permanent failure.
	RepeatFailWorkflow
)

// DurablyRepeatOptions configures a periodic task.
type DurablyRepeatOptions struct {
	Every time.Duration
	// Till is evaluated before computing the next tick; once it returns
	// true the coordination log completes and the repeat stops forever.
	Till func(ctx context.Context) (bool, error)
	// StartAt anchors the first tick, if set. Otherwise the first tick is
	// anchored to the coordination log's creation time.
	StartAt     *time.Time
	MaxAttempts int
	Timeout     time.Duration
	OnError     RepeatErrorPolicy
}

// repeatCoordMetadata is the metadata payload for the coordination log
// (`durably_repeat$<name>`).
type repeatCoordMetadata struct {
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
}

// repeatTickMetadata is the metadata payload for a per-tick log
// (`durably_repeat$<name>$<unix_ts>`).
type repeatTickMetadata struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	TimeoutAt    time.Time `json:"timeout_at"`
}

// DurablyRepeat invokes method on a fixed cadence (opts.Every) until
// opts.Till returns true, with catch-up semantics: ticks whose deadline
// has already lapsed by more than opts.Timeout are skipped without
// invoking method, so a long-stopped process does not fire a storm of
// backlogged ticks on resumption.
func (r *Run) DurablyRepeat(name string, method func(ctx context.Context, scheduledFor time.Time) error, opts DurablyRepeatOptions) error {
	if err := validateUserStepName(name); err != nil {
		return err
	}
	if opts.Every <= 0 {
		return fmt.Errorf("durex: durably_repeat %q: Every must be positive", name)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	coordName := prefixDurablyRepeat + name

	coord, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, coordName)
	if err != nil {
		return err
	}
	if StepState(coord.State) == StepCompleted {
		return nil
	}

	if opts.Till != nil {
		done, tillErr := opts.Till(r.goCtx)
		if tillErr != nil {
			class := errorClassName(tillErr)
			r.tracker.track(r.goCtx, r.wf.ID, class, tillErr.Error(), r.Context)
			return &ExecutionFailed{StepName: coordName, Err: tillErr}
		}
		if done {
			now := r.now()
			return r.st.UpdateStep(r.goCtx, r.st.Pool(), coord.ID, store.StepAttemptUpdate{
				Attempts: coord.Attempts + 1, State: int(StepCompleted),
				Metadata: coord.Metadata, LastExecutedAt: &now, CompletedAt: &now,
			})
		}
	}

	var coordMeta repeatCoordMetadata
	if len(coord.Metadata) > 0 {
		_ = r.codec.Unmarshal(coord.Metadata, &coordMeta)
	}

	var nextAt time.Time
	switch {
	case coordMeta.LastExecutionAt != nil:
		nextAt = coordMeta.LastExecutionAt.Add(opts.Every)
	case opts.StartAt != nil:
		nextAt = *opts.StartAt
	default:
		nextAt = coord.CreatedAt.Add(opts.Every)
	}

	tickName := fmt.Sprintf("%s$%d", coordName, nextAt.Unix())
	tick, err := r.st.FindOrCreateStep(r.goCtx, r.st.Pool(), r.wf.ID, tickName)
	if err != nil {
		return err
	}

	var tickMeta repeatTickMetadata
	if len(tick.Metadata) > 0 {
		_ = r.codec.Unmarshal(tick.Metadata, &tickMeta)
	} else {
		tickMeta = repeatTickMetadata{ScheduledFor: nextAt, TimeoutAt: nextAt.Add(opts.Timeout)}
	}

	now := r.now()

	if now.Before(nextAt) {
		return r.reschedule(r.goCtx, nextAt.Sub(now), fmt.Sprintf("waiting for next tick of %s", coordName))
	}

	advance := func() error {
		newCoordMeta := repeatCoordMetadata{LastExecutionAt: &nextAt}
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), coord.ID, store.StepAttemptUpdate{
			Attempts: coord.Attempts + 1, State: int(StepPending),
			Metadata: marshalMeta(r.codec, newCoordMeta), LastExecutedAt: &now,
		}); err != nil {
			return err
		}
		return r.reschedule(r.goCtx, nextAt.Add(opts.Every).Sub(now), fmt.Sprintf("advancing %s", coordName))
	}

	if now.After(tickMeta.TimeoutAt) {
		class := "TimeoutError"
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), tick.ID, store.StepAttemptUpdate{
			Attempts: tick.Attempts + 1, State: int(StepFailed),
			Metadata: marshalMeta(r.codec, tickMeta), LastExecutedAt: &now,
			ErrorClass: &class, ErrorMessage: strPtr("tick skipped during catch-up"),
		}); err != nil {
			return err
		}
		return advance()
	}

	if StepState(tick.State) == StepCompleted {
		return advance()
	}

	attempts := tick.Attempts + 1
	methodErr := method(r.goCtx, nextAt)

	if methodErr == nil {
		completedAt := now
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), tick.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepCompleted),
			Metadata: marshalMeta(r.codec, tickMeta), LastExecutedAt: &now, CompletedAt: &completedAt,
		}); err != nil {
			return err
		}
		return advance()
	}

	class := errorClassName(methodErr)
	r.tracker.track(r.goCtx, r.wf.ID, class, methodErr.Error(), r.Context)

	if attempts < opts.MaxAttempts {
		if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), tick.ID, store.StepAttemptUpdate{
			Attempts: attempts, State: int(StepPending),
			Metadata: marshalMeta(r.codec, tickMeta), LastExecutedAt: &now,
			ErrorClass: &class, ErrorMessage: strPtr(methodErr.Error()),
		}); err != nil {
			return err
		}
		return r.reschedule(r.goCtx, stepBackoff(attempts), fmt.Sprintf("retrying tick %s", tickName))
	}

	if err := r.st.UpdateStep(r.goCtx, r.st.Pool(), tick.ID, store.StepAttemptUpdate{
		Attempts: attempts, State: int(StepFailed),
		Metadata: marshalMeta(r.codec, tickMeta), LastExecutedAt: &now,
		ErrorClass: &class, ErrorMessage: strPtr(methodErr.Error()),
	}); err != nil {
		return err
	}

	if opts.OnError == RepeatFailWorkflow {
		return &ExecutionFailed{StepName: tickName, Err: methodErr}
	}
	return advance()
}
