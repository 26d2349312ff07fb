package durex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowctl/durex/internal/store"
)

// Engine ties together a Store, a JobSystem, and the registered workflow
// Bodies, and is the library-caller-facing entrypoint: Submit enqueues a
// workflow, RetryNow/RetryLater re-enqueue a stalled or failed one.
type Engine struct {
	store  *store.Store
	jobs   JobSystem
	driver *Driver
	mu     sync.RWMutex
	bodies map[string]Body
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	Pool       *pgxpool.Pool
	Schema     string
	JobSystem  JobSystem // defaults to a PostgresJobSystem over the same pool
	ExecutorID string    // defaults to a random uuid
	DriverOpts []DriverOption
}

// NewEngine builds an Engine. If cfg.JobSystem is nil, it defaults to
// PostgresJobSystem so a caller gets a working setup with only a pool.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	st := store.New(store.Config{Pool: cfg.Pool, Schema: cfg.Schema})

	jobs := cfg.JobSystem
	if jobs == nil {
		jobs = NewPostgresJobSystem(st)
	}

	executorID := cfg.ExecutorID
	if executorID == "" {
		id, err := NewID()
		if err != nil {
			return nil, fmt.Errorf("durex: generate executor id: %w", err)
		}
		executorID = id.String()
	}

	return &Engine{
		store:  st,
		jobs:   jobs,
		driver: NewDriver(st, jobs, executorID, cfg.DriverOpts...),
		bodies: make(map[string]Body),
	}, nil
}

// Store exposes the underlying Store, for callers that want to run
// SchemaSQL migrations or inspect rows directly in tests.
func (e *Engine) Store() *store.Store { return e.store }

// SchemaSQL is the DDL for the default schema, re-exported from
// internal/store for callers who don't have a migration generator of
// their own wired up (tests, small deployments).
var SchemaSQL = store.SchemaSQL

// SchemaSQLFor returns the CREATE TABLE statements for a given Postgres
// schema name.
func SchemaSQLFor(schema string) string { return store.SchemaSQLFor(schema) }

// Register associates jobClass with the Body invoked on every entry of a
// workflow submitted under that class. Panics on a duplicate
// registration, mirroring how a host framework's handler registry
// typically fails loudly at boot rather than silently shadowing.
func (e *Engine) Register(jobClass string, body Body) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.bodies[jobClass]; exists {
		panic(fmt.Sprintf("durex: job class %q already registered", jobClass))
	}
	e.bodies[jobClass] = body
}

func (e *Engine) lookup(jobClass string) (Body, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bodies[jobClass]
	return b, ok
}

// Submit enqueues jobClass/key for immediate execution, find-or-creating
// the workflow row so repeated submits with the same key are safe.
func (e *Engine) Submit(ctx context.Context, jobClass, key string, kwargs any, options any, opts ...SubmitOption) error {
	cfg := getSubmitConfig(opts)

	kwargsJSON, err := marshalJSONObject(kwargs)
	if err != nil {
		return fmt.Errorf("durex: marshal kwargs for %s/%s: %w", jobClass, key, err)
	}
	optionsJSON, err := marshalJSONObject(options)
	if err != nil {
		return fmt.Errorf("durex: marshal options for %s/%s: %w", jobClass, key, err)
	}

	var db store.DBTX = e.store.Pool()
	if cfg.tx != nil {
		db = cfg.tx
	}

	if _, err := e.store.FindOrCreateWorkflow(ctx, db, jobClass, key, store.WorkflowInit{Kwargs: kwargsJSON, Options: optionsJSON}); err != nil {
		return err
	}

	return e.jobs.Enqueue(ctx, jobClass, key, JobPayload{Kwargs: kwargsJSON, Options: optionsJSON})
}

// marshalJSONObject marshals v, substituting an empty JSON object for a nil
// v so kwargs/options always round-trip as the "JSON object" the spec's
// data model promises rather than a bare JSON null.
func marshalJSONObject(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(v)
}

// RetryNow re-enqueues a stalled or failed workflow for immediate
// execution. It is only legal when the workflow is currently stalled or
// failed; otherwise it returns *WorkflowNotRetryable without enqueuing.
func (e *Engine) RetryNow(ctx context.Context, jobClass, key string) error {
	return e.retry(ctx, jobClass, key)
}

// RetryLater is an alias for RetryNow: durex expresses "later" purely in
// terms of the job system's own scheduling, not a separate code path, so
// a caller wanting a delayed retry should use their job system's
// EnqueueAfter directly with retry_workflow=true once RetryNow validates
// the transition is legal.
func (e *Engine) RetryLater(ctx context.Context, jobClass, key string) error {
	return e.retry(ctx, jobClass, key)
}

func (e *Engine) retry(ctx context.Context, jobClass, key string) error {
	wf, err := e.store.GetWorkflow(ctx, e.store.Pool(), jobClass, key)
	if err != nil {
		return err
	}
	if !WorkflowState(wf.State).Retryable() {
		return &WorkflowNotRetryable{Key: key, State: WorkflowState(wf.State)}
	}
	return e.jobs.Enqueue(ctx, jobClass, key, JobPayload{
		Attempt: 0, Options: wf.Options, Kwargs: wf.Kwargs, RetryWorkflow: true,
	})
}

// Perform runs one executor entry for jobClass/key, looking up the
// registered Body. It is the function a Worker (or a caller's own job
// handler) should invoke on delivery.
func (e *Engine) Perform(ctx context.Context, jobClass, key string, attempt int, retryWorkflow bool, options, kwargs json.RawMessage) error {
	body, ok := e.lookup(jobClass)
	if !ok {
		return fmt.Errorf("durex: job class %q not registered", jobClass)
	}
	return e.driver.Perform(ctx, jobClass, key, attempt, retryWorkflow, options, kwargs, body)
}
