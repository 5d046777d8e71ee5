package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Context is handed to a workflow body. Workflow code is single-threaded
// within one execution; all blocking goes through Execute, Sleep, or the
// store, which are the only legal suspension points.
type Context struct {
	ctx  context.Context
	rt   *Runtime
	exec *execution

	ID  string
	Log *zap.Logger
}

// Context exposes the execution's cancellation context for activity calls.
func (c *Context) Context() context.Context { return c.ctx }

// Err reports cancellation or timeout.
func (c *Context) Err() error { return c.ctx.Err() }

// Now reads the runtime clock. Workflow code must not call time.Now.
func (c *Context) Now() time.Time { return c.rt.clock.Now() }

// Sleep is the deterministic timer: it waits on the runtime clock and
// returns early on cancellation.
func (c *Context) Sleep(d time.Duration) error {
	select {
	case <-c.rt.clock.After(d):
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Execute runs an activity with the runtime's retry policy: exponential
// backoff on Transient and RateLimited errors, immediate failure on
// everything else, bounded attempts.
func (c *Context) Execute(name string, fn func(ctx context.Context) error) error {
	policy := c.rt.retry

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.Multiplier = policy.Multiplier
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0 // attempts bound the retries, not elapsed time
	b.RandomizationFactor = 0

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(c.ctx)
		if err == nil {
			return nil
		}
		if !syncerr.IsRetryable(err) || c.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.Log.Warn("activity failed, will retry",
			zap.String("activity", name),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}

	maxRetries := uint64(0)
	if policy.MaxAttempts > 1 {
		maxRetries = uint64(policy.MaxAttempts - 1)
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), c.ctx))
	if err != nil {
		return fmt.Errorf("activity %s failed after %d attempt(s): %w", name, attempts, err)
	}
	return nil
}

// ContinueAsNew finishes the current execution and starts a fresh one with
// the given args under the same workflow id, bounding history growth in
// long-running schedulers. The workflow body must return its result
// directly.
func (c *Context) ContinueAsNew(args interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return syncerr.New(syncerr.Fatal, "continue as new", fmt.Errorf("failed to marshal args: %w", err))
	}
	return &errContinueAsNew{args: data}
}

// Child starts another workflow and reports whether the start coalesced.
func (c *Context) Child(id, kind string, args interface{}) (coalesced bool, err error) {
	return c.rt.Enqueue(c.ctx, id, kind, args)
}

// WaitFor blocks until the workflow with the given id is no longer pending
// or running, polling the queue. Used by parent workflows that fan out
// children and need their completion.
func (c *Context) WaitFor(id string) error {
	for {
		c.rt.mu.Lock()
		_, running := c.rt.running[id]
		c.rt.mu.Unlock()
		if !running {
			// Not in memory: check it is not still queued.
			state, err := c.rt.store.TaskState(c.ctx, id)
			if err != nil {
				return err
			}
			if state != store.TaskPending && state != store.TaskRunning {
				return nil
			}
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// SetPhase updates the progress query's phase field.
func (c *Context) SetPhase(phase string) {
	c.exec.mu.Lock()
	c.exec.progress.Phase = phase
	c.exec.mu.Unlock()
}

// SetTotal sets the progress total.
func (c *Context) SetTotal(n int) {
	c.exec.mu.Lock()
	c.exec.progress.Total = n
	c.exec.mu.Unlock()
}

// RecordResult bumps the processed counter and one of succeeded/failed.
func (c *Context) RecordResult(succeeded bool) {
	c.exec.mu.Lock()
	c.exec.progress.Processed++
	if succeeded {
		c.exec.progress.Succeeded++
	} else {
		c.exec.progress.Failed++
	}
	c.exec.mu.Unlock()
}

// Snapshot returns the current progress.
func (c *Context) Snapshot() Progress {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	return c.exec.progress
}
