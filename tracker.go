package durex

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/flowctl/durex/internal/store"
)

// executionTracker records ErrorLog rows and correlates them with a
// workflow's current context. Per the specification it never raises:
// failures inserting the error log itself are logged and swallowed so
// that a broken tracker can never mask the original failure it was
// trying to record.
type executionTracker struct {
	store  *store.Store
	codec  Codec
	logger *slog.Logger
}

func newExecutionTracker(st *store.Store, codec Codec, logger *slog.Logger) *executionTracker {
	return &executionTracker{store: st, codec: codec, logger: logger}
}

// track inserts an ErrorLog row with a snapshot of ctx's current state.
// errClass is a short machine-stable label; use errorClassName for a
// value derived from a Go error's dynamic type.
func (t *executionTracker) track(ctx context.Context, workflowID uuid.UUID, errClass, errMessage string, wfCtx *Context) *store.ErrorLog {
	var snapshot []byte
	if wfCtx != nil {
		if b, err := wfCtx.MarshalJSON(); err == nil {
			snapshot = b
		}
	}

	log, err := t.store.InsertErrorLog(ctx, t.store.Pool(), workflowID, errClass, errMessage, string(debug.Stack()), snapshot)
	if err != nil {
		t.logger.Error("durex: failed to record error log", "workflow_id", workflowID, "error", err)
		return nil
	}
	return log
}

// errorClassName returns a short stable label for an error's dynamic
// type, mirroring how a dynamically-typed host language would report
// "exception class" for the same error. Typed durex errors get their
// natural name; a user workflow error falls through to
// userErrorClassName so its own type is what lands in the ErrorLog, not
// a generic placeholder.
func errorClassName(err error) string {
	switch err.(type) {
	case *ExecutionFailed:
		return "ExecutionFailed"
	case *WaitConditionNotMet:
		return "WaitConditionNotMet"
	case *ContextValidation:
		return "ContextValidation"
	case *ConcurrentExecution:
		return "ConcurrentExecution"
	case *LongRunningConcurrentExecution:
		return "LongRunningConcurrentExecution"
	case *WorkflowNotRetryable:
		return "WorkflowNotRetryable"
	case *HaltExecution:
		return "HaltExecution"
	default:
		return userErrorClassName(err)
	}
}

// userErrorClassName derives a class label from a user error's dynamic Go
// type, e.g. "*myapp.PaymentError" reports as "PaymentError". A plain
// errors.New value (type *errors.errorString) reports as "errorString".
func userErrorClassName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
