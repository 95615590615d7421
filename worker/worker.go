// Package worker implements the Worker Loop: claim an execution dispatched
// by the control plane, rebuild its Context, run the Workflow Runtime
// against it, and checkpoint every event back to the Context Store.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/edurdias/flux/control"
	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/internal/common/backoff"
	"github.com/edurdias/flux/store"
)

// Registry resolves a workflow name to its runnable function. A real
// deployment fills this from the (out-of-scope) workflow-source loader;
// tests and embedders register functions directly.
type Registry interface {
	Lookup(name string) (internal.WorkflowFunc, bool)
}

// MapRegistry is the simplest Registry: a name -> function map.
type MapRegistry map[string]internal.WorkflowFunc

func (r MapRegistry) Lookup(name string) (internal.WorkflowFunc, bool) {
	fn, ok := r[name]
	return fn, ok
}

// Options configures a Worker.
type Options struct {
	Name         string
	Resources    store.WorkerResources
	Packages     []string
	PollInterval time.Duration

	// PipelineCheckpoints batches a running workflow's events into a single
	// Save call at suspension/completion instead of one Save per appended
	// event, trading a small replay-on-crash window for throughput.
	PipelineCheckpoints bool

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Worker runs the claim-execute-checkpoint loop against a Dispatcher and
// ContextStore.
type Worker struct {
	opts       Options
	store      store.ContextStore
	dispatcher *control.Dispatcher
	registry   Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Int64

	// dispatchRetrier throttles the claim loop after infrastructure
	// failures; they are retried with backoff and never terminate the
	// worker.
	dispatchRetrier *backoff.ConcurrentRetrier
}

// Running reports how many executions this worker is currently running,
// for a deployment's own health/metrics endpoint to expose.
func (w *Worker) Running() int64 {
	return w.running.Load()
}

// New constructs a Worker. registry resolves the workflow names of
// dispatched executions to runnable functions.
func New(opts Options, s store.ContextStore, d *control.Dispatcher, registry Registry) *Worker {
	opts.setDefaults()
	return &Worker{
		opts:       opts,
		store:      s,
		dispatcher: d,
		registry:   registry,
		dispatchRetrier: backoff.NewConcurrentRetrier(backoff.RetryPolicy{
			InitialInterval: 100 * time.Millisecond,
			BackoffCoeff:    2,
			MaxInterval:     5 * time.Second,
		}),
	}
}

// Start launches the claim loop and the cancellation-recovery loop as
// background goroutines, returning immediately. Call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	notify := w.dispatcher.Subscribe(ctx, w.opts.Name)

	w.wg.Add(2)
	go w.claimLoop(ctx, notify)
	go w.cancellationLoop(ctx)
}

// Stop signals both loops to exit and waits for them to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) workerRecord() store.WorkerRecord {
	return store.WorkerRecord{Name: w.opts.Name, Resources: w.opts.Resources, Packages: w.opts.Packages}
}

func (w *Worker) claimLoop(ctx context.Context, notify <-chan control.Notification) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
			w.claimAndRun(ctx)
		case <-ticker.C:
			w.claimAndRun(ctx)
		}
	}
}

func (w *Worker) claimAndRun(ctx context.Context) {
	w.dispatchRetrier.Throttle()
	ec, err := w.dispatcher.Next(ctx, w.workerRecord())
	if err != nil {
		w.dispatchRetrier.Failed()
		w.opts.Logger.Warn("dispatch failed", zap.Error(err))
		return
	}
	w.dispatchRetrier.Succeeded()
	if ec == nil {
		return
	}
	executionID := ec.ExecutionID()
	ec, err = w.store.Claim(ctx, executionID, w.opts.Name)
	if err != nil {
		w.opts.Logger.Warn("claim failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	w.run(ctx, ec)
}

// run executes ec's workflow function to completion, pause, or
// cancellation, checkpointing after every appended event.
func (w *Worker) run(ctx context.Context, ec *internal.Context) {
	fn, ok := w.registry.Lookup(ec.WorkflowName())
	if !ok {
		w.opts.Logger.Error("workflow not registered", zap.String("workflow_name", ec.WorkflowName()))
		_ = ec.Fail(ctx, &internal.TaskNotFound{Name: ec.WorkflowName()})
		_ = w.store.Save(ctx, ec)
		return
	}

	if w.opts.PipelineCheckpoints {
		ec.SetCheckpoint(nil)
	} else {
		ec.SetCheckpoint(func(cctx context.Context, c *internal.Context) error {
			return w.store.Save(cctx, c)
		})
	}

	w.running.Inc()
	defer w.running.Dec()

	runCtx := ec.CancelContext()
	if _, err := internal.RunWorkflow(runCtx, ec, fn); err != nil {
		w.opts.Logger.Warn("workflow run returned error", zap.String("execution_id", ec.ExecutionID()), zap.Error(err))
	}

	if err := w.store.Save(ctx, ec); err != nil {
		w.opts.Logger.Error("checkpoint save failed", zap.String("execution_id", ec.ExecutionID()), zap.Error(err))
	}
}

func (w *Worker) cancellationLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ec, err := control.RecoverCancellations(ctx, w.store, w.opts.Name)
			if err != nil {
				w.opts.Logger.Warn("cancellation recovery failed", zap.Error(err))
				continue
			}
			if ec == nil {
				continue
			}
			ec.RequestCancel()
		}
	}
}
