package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncer"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

var (
	reconcileDryRun bool
	reconcileAction string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [project]",
	Short: "Verify mappings against the trackers and handle stale entries",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requireValidConfig()

		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		if err := runReconcile(rootCtx, project); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitRuntimeError)
		}
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report stale mappings without changing anything")
	reconcileCmd.Flags().StringVar(&reconcileAction, "action", syncer.ActionMarkDeleted,
		"what to do with stale mappings: mark_deleted or hard_delete")
}

func runReconcile(ctx context.Context, project string) error {
	switch reconcileAction {
	case syncer.ActionMarkDeleted, syncer.ActionHardDelete:
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid --action %q\n", reconcileAction)
		os.Exit(exitConfigInvalid)
	}

	deps, st, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalStartup)
	}
	defer func() { _ = st.Close() }()

	rt := workflow.New(st, log, workflow.Options{Workers: cfg.MaxWorkers})
	syncer.Register(rt, deps)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.Run(runCtx) })

	scope := project
	if scope == "" {
		scope = "all"
	}
	id := fmt.Sprintf("reconcile-%s-%d", scope, time.Now().UnixMilli())
	if _, err := rt.Enqueue(ctx, id, syncer.KindDataReconciliation, syncer.ReconcileArgs{
		Project: project,
		Action:  reconcileAction,
		DryRun:  reconcileDryRun,
	}); err != nil {
		return err
	}

	if err := waitForTerminal(ctx, st, id, -1); err != nil {
		return err
	}
	cancel()
	_ = g.Wait()

	state, err := st.TaskState(context.Background(), id)
	if err != nil {
		return err
	}
	if report, rerr := st.GetMetadata(context.Background(), "last_reconcile"); rerr == nil && report != "" {
		var pretty syncer.ReconcileReport
		if json.Unmarshal([]byte(report), &pretty) == nil {
			fmt.Printf("Checked %d mapping(s): %d stale in huly, %d in vibe, %d in beads; %d action(s) applied\n",
				pretty.Checked, len(pretty.StaleHuly), len(pretty.StaleVibe), len(pretty.StaleBeads), pretty.Applied)
			for _, skipped := range pretty.Skipped {
				fmt.Printf("  skipped %s (circuit breaker open)\n", skipped)
			}
		}
	}
	if state != store.TaskDone {
		return fmt.Errorf("reconciliation ended %s", state)
	}
	return nil
}
