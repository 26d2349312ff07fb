package durex

import (
	"errors"
	"time"
)

// backoffTable is the fixed schedule consulted by the Driver's retry
// policy. Index i is the delay before the entry with attempt i+1; once
// attempts exceed the table's length the last entry repeats.
var backoffTable = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	120 * time.Second,
	600 * time.Second,
}

// MaxAttempts is len(backoffTable): the number of attempts the Driver will
// honor before silently dropping an entry (see Driver.Perform step 1).
var MaxAttempts = len(backoffTable)

// stepBackoff returns the delay a step primitive should wait before its
// next attempt: 2^min(attempts, 5) seconds, per §4.6.1/§4.6.3/§4.6.5's
// exponential step-retry schedule. This is distinct from the Retry
// Policy's fixed backoffTable, which only governs workflow-level retries
// (see workflowBackoff).
func stepBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// workflowBackoff returns the delay before the next workflow-level retry
// attempt, drawn from the fixed backoff table. It saturates at the
// table's last entry rather than growing unbounded.
func workflowBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attempt]
}

// RetryPolicy decides whether an error surfacing from a workflow body
// should be retried, and supplies the backoff schedule for that retry.
// Callers may override Should to special-case their own error types; the
// zero value implements the default policy from the specification.
type RetryPolicy struct {
	// Should, if set, overrides the default should_retry predicate.
	Should func(err error, attemptCount int) bool
}

// DefaultRetryPolicy implements should_retry: attempt_count < 3, with
// certain sentinel errors (WorkflowNotRetryable, ContextValidation) never
// retried because retrying them can never succeed.
var DefaultRetryPolicy = RetryPolicy{}

// shouldRetry applies the policy's override if present, else the default
// attempt_count < 3 rule. Sentinel non-retryable errors always return
// false regardless of override, since retrying them is never meaningful.
func (p RetryPolicy) shouldRetry(err error, attemptCount int) bool {
	var wnr *WorkflowNotRetryable
	var cv *ContextValidation
	if errors.As(err, &wnr) || errors.As(err, &cv) {
		return false
	}
	if p.Should != nil {
		return p.Should(err, attemptCount)
	}
	return attemptCount < 3
}

// Backoff returns the delay before the next workflow-level retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return workflowBackoff(attempt)
}
