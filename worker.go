package durex

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowctl/durex/internal/store"
)

// WorkerConfig configures a Worker's polling behavior.
type WorkerConfig struct {
	// JobClasses restricts polling to these classes. Empty (the default)
	// means the worker dequeues any job class, which is the common case
	// for a process that registered every Body it knows about on one
	// Engine.
	JobClasses []string
	// Concurrency is the number of poll goroutines sharing one queue;
	// SELECT ... FOR UPDATE SKIP LOCKED makes this safe across goroutines
	// and across processes.
	Concurrency int
	// PollInterval is how often an idle goroutine checks the queue again.
	PollInterval time.Duration
	// VisibilityTimeout bounds how long a claimed job is hidden from other
	// pollers before it is considered abandoned and resurfaces.
	VisibilityTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	return c
}

// Worker polls PostgresJobSystem's queue table and hands each claimed job
// to the Engine. Workers built around a caller's own JobSystem instead
// should drive Engine.Perform directly from whatever delivery mechanism
// that system provides.
type Worker struct {
	engine *Engine
	config WorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a Worker that dequeues from engine's store and invokes
// engine.Perform for each claimed job.
func NewWorker(engine *Engine, config WorkerConfig) *Worker {
	return &Worker{
		engine: engine,
		config: config.withDefaults(),
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run starts config.Concurrency poll goroutines and blocks until ctx is
// cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(workerCtx)
	for i := 0; i < w.config.Concurrency; i++ {
		group.Go(func() error {
			w.pollLoop(groupCtx)
			return nil
		})
	}

	select {
	case <-w.stopCh:
		cancel()
	case <-ctx.Done():
		cancel()
	}

	return group.Wait()
}

// Stop signals every poll goroutine to exit and waits for Run to return.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for w.pollOnce(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// pollOnce claims and processes a single job, returning true if it did (so
// the caller can immediately poll again rather than waiting a full tick
// while the queue is still nonempty).
func (w *Worker) pollOnce(ctx context.Context) bool {
	st := w.engine.Store()

	job, err := st.DequeueOne(ctx, w.config.JobClasses, w.config.VisibilityTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			w.logger.Error("durex: dequeue failed", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}

	w.process(ctx, st, job)
	return true
}

func (w *Worker) process(ctx context.Context, st *store.Store, job *store.Job) {
	err := w.engine.Perform(ctx, job.JobClass, job.Key, job.Attempt, job.RetryWorkflow, job.Options, job.Kwargs)
	if err != nil {
		w.logger.Error("durex: job processing failed", "job_class", job.JobClass, "key", job.Key, "error", err)
		return
	}

	if err := st.DeleteJob(ctx, job.ID); err != nil {
		w.logger.Error("durex: failed to delete completed job", "job_class", job.JobClass, "key", job.Key, "error", err)
	}
}
