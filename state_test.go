package durex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStateTerminalAndRetryable(t *testing.T) {
	cases := []struct {
		state      WorkflowState
		terminal   bool
		retryable  bool
	}{
		{WorkflowIdle, false, false},
		{WorkflowRunning, false, false},
		{WorkflowCompleted, true, false},
		{WorkflowFailed, true, true},
		{WorkflowStalled, false, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.terminal, c.state.Terminal(), "state %s", c.state)
		assert.Equal(t, c.retryable, c.state.Retryable(), "state %s", c.state)
	}
}

func TestWorkflowStateString(t *testing.T) {
	assert.Equal(t, "idle", WorkflowIdle.String())
	assert.Equal(t, "running", WorkflowRunning.String())
	assert.Equal(t, "completed", WorkflowCompleted.String())
	assert.Equal(t, "failed", WorkflowFailed.String())
	assert.Equal(t, "stalled", WorkflowStalled.String())
	assert.Equal(t, "unknown(99)", WorkflowState(99).String())
}

func TestValidateUserStepNameRejectsReservedPrefixes(t *testing.T) {
	names := []string{
		"wait$my-wait",
		"wait_until$cond",
		"continue_if$cond",
		"durably_execute$step",
		"durably_repeat$task",
		stepWorkflowCompletion,
		stepWorkflowFailure,
		stepWorkflowRetry,
	}
	for _, n := range names {
		err := validateUserStepName(n)
		assert.Error(t, err, "expected %q to be rejected", n)
	}
}

func TestValidateUserStepNameRejectsEmpty(t *testing.T) {
	err := validateUserStepName("")
	assert.Error(t, err)
	var cv *ContextValidation
	assert.True(t, errors.As(err, &cv))
}

func TestValidateUserStepNameAcceptsOrdinaryNames(t *testing.T) {
	assert.NoError(t, validateUserStepName("charge-card"))
	assert.NoError(t, validateUserStepName("send_email"))
	assert.NoError(t, validateUserStepName("step-1"))
}
