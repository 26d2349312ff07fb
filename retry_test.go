package durex

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepBackoffIsExponential(t *testing.T) {
	assert.Equal(t, 1*time.Second, stepBackoff(0))
	assert.Equal(t, 2*time.Second, stepBackoff(1))
	assert.Equal(t, 4*time.Second, stepBackoff(2))
	assert.Equal(t, 8*time.Second, stepBackoff(3))
	assert.Equal(t, 16*time.Second, stepBackoff(4))
	assert.Equal(t, 32*time.Second, stepBackoff(5))
	// saturates at 2^5 past attempts=5
	assert.Equal(t, 32*time.Second, stepBackoff(6))
	assert.Equal(t, 32*time.Second, stepBackoff(100))
	// negative attempts clamp to 0
	assert.Equal(t, 1*time.Second, stepBackoff(-1))
}

func TestWorkflowBackoffSchedule(t *testing.T) {
	assert.Equal(t, 1*time.Second, workflowBackoff(0))
	assert.Equal(t, 5*time.Second, workflowBackoff(1))
	assert.Equal(t, 30*time.Second, workflowBackoff(2))
	assert.Equal(t, 120*time.Second, workflowBackoff(3))
	assert.Equal(t, 600*time.Second, workflowBackoff(4))
	// saturates at the last entry past the table's length
	assert.Equal(t, 600*time.Second, workflowBackoff(5))
	assert.Equal(t, 600*time.Second, workflowBackoff(100))
	// negative attempts clamp to 0
	assert.Equal(t, 1*time.Second, workflowBackoff(-1))
}

func TestMaxAttemptsMatchesBackoffTableLength(t *testing.T) {
	assert.Equal(t, len(backoffTable), MaxAttempts)
	assert.Equal(t, 5, MaxAttempts)
}

func TestDefaultRetryPolicyStopsAtThreeAttempts(t *testing.T) {
	p := DefaultRetryPolicy
	assert.True(t, p.shouldRetry(errors.New("boom"), 0))
	assert.True(t, p.shouldRetry(errors.New("boom"), 1))
	assert.True(t, p.shouldRetry(errors.New("boom"), 2))
	assert.False(t, p.shouldRetry(errors.New("boom"), 3))
	assert.False(t, p.shouldRetry(errors.New("boom"), 10))
}

func TestRetryPolicyNeverRetriesSentinelErrors(t *testing.T) {
	p := DefaultRetryPolicy
	assert.False(t, p.shouldRetry(&WorkflowNotRetryable{Key: "k", State: WorkflowIdle}, 0))
	assert.False(t, p.shouldRetry(&ContextValidation{Key: "k", Reason: "bad"}, 0))
}

func TestRetryPolicyOverrideWins(t *testing.T) {
	p := RetryPolicy{Should: func(err error, attemptCount int) bool { return attemptCount < 10 }}
	assert.True(t, p.shouldRetry(errors.New("boom"), 9))
	assert.False(t, p.shouldRetry(errors.New("boom"), 10))
}

func TestRetryPolicyOverrideStillBlocksSentinels(t *testing.T) {
	p := RetryPolicy{Should: func(err error, attemptCount int) bool { return true }}
	assert.False(t, p.shouldRetry(&WorkflowNotRetryable{Key: "k", State: WorkflowFailed}, 0))
}
