// Package workflow implements the durable execution runtime: a persistent
// task queue with idempotent workflow ids, a worker pool, per-activity
// retry, cooperative cancellation, progress queries, and continue-as-new
// for long-running schedulers.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Func is a workflow body. Args are the JSON the workflow was enqueued
// with; returning nil completes the workflow.
type Func func(wf *Context, args json.RawMessage) error

// RetryPolicy governs activity retries inside a workflow.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy is the engine-wide activity policy.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 2 * time.Second,
	Multiplier:      2,
	MaxInterval:     60 * time.Second,
	MaxAttempts:     5,
}

// registration pairs a workflow body with its wall-clock timeout.
type registration struct {
	fn      Func
	timeout time.Duration
}

// Options configures a Runtime.
type Options struct {
	Workers int
	Clock   Clock
	Retry   RetryPolicy
	// PollInterval is how often idle workers re-check the queue in the
	// absence of a wake signal.
	PollInterval time.Duration
}

// Runtime is the workflow executor.
type Runtime struct {
	store *store.Store
	log   *zap.Logger
	clock Clock
	retry RetryPolicy

	workers int
	poll    time.Duration

	mu       sync.Mutex
	registry map[string]registration
	running  map[string]*execution

	wake chan struct{}
}

// execution is the in-memory state of one running workflow.
type execution struct {
	id     string
	kind   string
	cancel context.CancelFunc

	mu       sync.Mutex
	progress Progress
}

// Progress is the query surface every workflow exposes.
type Progress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Phase     string `json:"phase"`
}

// New creates a runtime over the store's persistent queue.
func New(st *store.Store, log *zap.Logger, opts Options) *Runtime {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = 500 * time.Millisecond
	}
	return &Runtime{
		store:    st,
		log:      log,
		clock:    clock,
		retry:    retry,
		workers:  workers,
		poll:     poll,
		registry: make(map[string]registration),
		running:  make(map[string]*execution),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a workflow kind to its body and wall-clock timeout.
func (r *Runtime) Register(kind string, timeout time.Duration, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[kind] = registration{fn: fn, timeout: timeout}
}

// Enqueue starts a workflow. Ids are idempotent: a start with an id that is
// already pending or running coalesces into the existing execution and
// returns coalesced=true.
func (r *Runtime) Enqueue(ctx context.Context, id, kind string, args interface{}) (coalesced bool, err error) {
	r.mu.Lock()
	_, registered := r.registry[kind]
	r.mu.Unlock()
	if !registered {
		return false, syncerr.Newf(syncerr.Fatal, "unknown workflow kind %q", kind)
	}

	data, err := json.Marshal(args)
	if err != nil {
		return false, syncerr.New(syncerr.Fatal, "enqueue "+id, fmt.Errorf("failed to marshal args: %w", err))
	}
	inserted, err := r.store.EnqueueTask(ctx, id, kind, string(data))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue workflow %s: %w", id, err)
	}
	if inserted {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return !inserted, nil
}

// Cancel signals a workflow to stop. Running workflows get a cooperative
// cancel; pending tasks are marked cancelled before they start. Returns
// true when something was cancelled.
func (r *Runtime) Cancel(ctx context.Context, id string) bool {
	r.mu.Lock()
	exec, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		exec.cancel()
		return true
	}
	state, err := r.store.TaskState(ctx, id)
	if err != nil {
		r.log.Warn("failed to look up task", zap.String("id", id), zap.Error(err))
		return false
	}
	if state != store.TaskPending {
		return false
	}
	if err := r.store.FinishTask(ctx, id, store.TaskCancelled, "cancelled before start"); err != nil {
		r.log.Warn("failed to cancel pending task", zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}

// Progress answers the progress query for a running workflow.
func (r *Runtime) Progress(id string) (Progress, bool) {
	r.mu.Lock()
	exec, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.progress, true
}

// QueueDepth reports pending tasks, for the operator surface.
func (r *Runtime) QueueDepth(ctx context.Context) (int, error) {
	return r.store.PendingTaskCount(ctx)
}

// Run recovers orphaned tasks and drives the worker pool until ctx is
// cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	requeued, err := r.store.RequeueRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover task queue: %w", err)
	}
	if requeued > 0 {
		r.log.Info("recovered orphaned workflow tasks", zap.Int64("count", requeued))
	}

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// workerLoop drains the queue, sleeping on the wake channel when idle.
func (r *Runtime) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := r.store.DequeueTask(ctx)
		if err != nil {
			r.log.Error("failed to dequeue task", zap.Int("worker", worker), zap.Error(err))
		}
		if task == nil {
			select {
			case <-r.wake:
			case <-time.After(r.poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		r.execute(ctx, task)
	}
}

// errContinueAsNew is the sentinel a workflow returns (via
// Context.ContinueAsNew) to finish this execution and immediately start a
// fresh one with new args, bounding history.
type errContinueAsNew struct {
	args json.RawMessage
}

func (e *errContinueAsNew) Error() string { return "continue as new" }

// execute runs one task to completion.
func (r *Runtime) execute(parent context.Context, task *store.Task) {
	r.mu.Lock()
	reg, ok := r.registry[task.Kind]
	r.mu.Unlock()
	if !ok {
		r.log.Error("task references unknown workflow kind",
			zap.String("id", task.ID), zap.String("kind", task.Kind))
		_ = r.store.FinishTask(parent, task.ID, store.TaskFailed, "unknown workflow kind "+task.Kind)
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if reg.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, reg.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	exec := &execution{id: task.ID, kind: task.Kind, cancel: cancel}
	r.mu.Lock()
	r.running[task.ID] = exec
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
	}()

	wf := &Context{
		ctx:  ctx,
		rt:   r,
		exec: exec,
		ID:   task.ID,
		Log:  r.log.With(zap.String("workflow_id", task.ID), zap.String("kind", task.Kind)),
	}

	wf.Log.Info("workflow started", zap.Int("attempt", task.Attempts))
	err := func() (retErr error) {
		defer func() {
			if p := recover(); p != nil {
				retErr = syncerr.Newf(syncerr.Fatal, "workflow panicked: %v", p)
			}
		}()
		return reg.fn(wf, json.RawMessage(task.Args))
	}()

	var can *errContinueAsNew
	switch {
	case errors.As(err, &can):
		if ferr := r.store.FinishTask(parent, task.ID, store.TaskDone, ""); ferr != nil {
			wf.Log.Error("failed to finish task before continue-as-new", zap.Error(ferr))
			return
		}
		if _, ferr := r.store.EnqueueTask(parent, task.ID, task.Kind, string(can.args)); ferr != nil {
			wf.Log.Error("failed to continue workflow as new", zap.Error(ferr))
			return
		}
		select {
		case r.wake <- struct{}{}:
		default:
		}
		wf.Log.Info("workflow continued as new")
	case err == nil:
		_ = r.store.FinishTask(parent, task.ID, store.TaskDone, "")
		wf.Log.Info("workflow completed")
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		_ = r.store.FinishTask(parent, task.ID, store.TaskCancelled, err.Error())
		wf.Log.Warn("workflow cancelled")
	default:
		_ = r.store.FinishTask(parent, task.ID, store.TaskFailed, err.Error())
		wf.Log.Error("workflow failed", zap.Error(err))
	}
}
