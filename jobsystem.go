package durex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowctl/durex/internal/store"
)

// JobPayload is what the job system hands back to the Executor Driver's
// Perform entrypoint on each (re)delivery.
type JobPayload struct {
	Attempt       int
	Options       json.RawMessage
	Kwargs        json.RawMessage
	RetryWorkflow bool
}

// JobSystem is the external collaborator the core consumes to schedule
// (re)entries. durex treats the hosting background-job system as an
// implementation detail outside the executor's concern; PostgresJobSystem
// below is a concrete, ready-to-use implementation for callers who don't
// already have one wired up, built on the same store the executor uses.
type JobSystem interface {
	Enqueue(ctx context.Context, jobClass, key string, payload JobPayload) error
	EnqueueAfter(ctx context.Context, delay time.Duration, jobClass, key string, payload JobPayload) error
}

// PostgresJobSystem is the default JobSystem: a durable queue table polled
// by Worker via SELECT ... FOR UPDATE SKIP LOCKED, so multiple worker
// processes can share one queue without double-delivery under normal
// operation (redelivery after a crash mid-processing is expected and is
// exactly what makes the executor's idempotent replay necessary).
type PostgresJobSystem struct {
	store *store.Store
}

// NewPostgresJobSystem wraps st as a JobSystem.
func NewPostgresJobSystem(st *store.Store) *PostgresJobSystem {
	return &PostgresJobSystem{store: st}
}

func (j *PostgresJobSystem) Enqueue(ctx context.Context, jobClass, key string, payload JobPayload) error {
	return j.store.Enqueue(ctx, j.store.Pool(), store.Job{
		JobClass: jobClass, Key: key, Attempt: payload.Attempt,
		Options: payload.Options, Kwargs: payload.Kwargs, RetryWorkflow: payload.RetryWorkflow,
	})
}

func (j *PostgresJobSystem) EnqueueAfter(ctx context.Context, delay time.Duration, jobClass, key string, payload JobPayload) error {
	return j.store.Enqueue(ctx, j.store.Pool(), store.Job{
		JobClass: jobClass, Key: key, Attempt: payload.Attempt,
		Options: payload.Options, Kwargs: payload.Kwargs, RetryWorkflow: payload.RetryWorkflow,
		RunAt: time.Now().Add(delay),
	})
}
