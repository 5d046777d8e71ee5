package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncer"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

var syncWait bool

var syncCmd = &cobra.Command{
	Use:   "sync [project]",
	Short: "Trigger one full orchestration or a single project sweep",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireValidConfig()

		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		if err := runOneShot(rootCtx, project); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitRuntimeError)
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "wait for the workflow to finish and report its outcome")
}

// runOneShot spins a private runtime, triggers the workflow, and optionally
// waits for it.
func runOneShot(ctx context.Context, project string) error {
	deps, st, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalStartup)
	}
	defer func() { _ = st.Close() }()

	// The orchestrator holds a worker while waiting on project sweeps.
	workers := cfg.MaxWorkers
	if workers < 2 {
		workers = 2
	}
	rt := workflow.New(st, log, workflow.Options{Workers: workers})
	syncer.Register(rt, deps)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.Run(gctx) })

	var id, kind string
	var wfArgs interface{}
	if project != "" {
		resolved, rerr := st.ResolveProjectIdentifier(ctx, project)
		if rerr != nil {
			return rerr
		}
		if resolved == "" {
			resolved = project
		}
		id = syncer.ProjectSyncID(resolved)
		kind = syncer.KindProjectSync
		wfArgs = syncer.ProjectSyncArgs{Project: resolved}
	} else {
		id = syncer.FullSyncID("all", fmt.Sprintf("manual-%d", time.Now().UnixMilli()))
		kind = syncer.KindFullOrchestration
		wfArgs = syncer.OrchestrationArgs{Bucket: "manual"}
	}

	coalesced, err := rt.Enqueue(ctx, id, kind, wfArgs)
	if err != nil {
		return err
	}
	if coalesced {
		fmt.Printf("Accepted: %s (coalesced into running execution)\n", id)
	} else {
		fmt.Printf("Accepted: %s\n", id)
	}
	if !syncWait {
		// Give the private runtime a chance to pick the task up; a later
		// `hvs run` would also drain it from the persistent queue.
		return waitForTerminal(ctx, st, id, 0)
	}

	fmt.Println("Waiting for completion...")
	if err := waitForTerminal(ctx, st, id, -1); err != nil {
		return err
	}
	cancel()
	_ = g.Wait()

	state, err := st.TaskState(context.Background(), id)
	if err != nil {
		return err
	}
	run, err := st.GetLastSyncRun(context.Background())
	if err == nil && run != nil && kind == syncer.KindFullOrchestration {
		fmt.Printf("Projects processed: %d, failed: %d, issues synced: %d\n",
			run.ProjectsProcessed, run.ProjectsFailed, run.IssuesSynced)
	}
	if state != store.TaskDone {
		return fmt.Errorf("workflow ended %s", state)
	}
	fmt.Println("Done.")
	return nil
}

// waitForTerminal polls the task queue until the id settles. A zero
// maxWait waits only long enough for pickup; negative waits forever.
func waitForTerminal(ctx context.Context, st *store.Store, id string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		state, err := st.TaskState(ctx, id)
		if err != nil {
			return err
		}
		switch state {
		case store.TaskDone, store.TaskFailed, store.TaskCancelled:
			return nil
		}
		if maxWait == 0 && state == store.TaskRunning {
			return nil // picked up; the queue carries it from here
		}
		if maxWait > 0 && time.Now().After(deadline) {
			return nil
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
