package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last sync run and queue state",
	Run: func(cmd *cobra.Command, args []string) {
		if err := showStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitRuntimeError)
		}
	},
}

// showStatus reads the database directly. Readers see consistent WAL
// snapshots, so this works while `hvs run` is active.
func showStatus() error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open mapping store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx := rootCtx
	run, err := st.GetLastSyncRun(ctx)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No sync runs recorded yet.")
	} else {
		status := "in progress"
		if run.CompletedAt != nil {
			status = fmt.Sprintf("completed %s", run.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Last run #%d: %s\n", run.ID, status)
		fmt.Printf("  projects: %d processed, %d failed\n", run.ProjectsProcessed, run.ProjectsFailed)
		fmt.Printf("  issues synced: %d (%.1fs)\n", run.IssuesSynced, float64(run.DurationMs)/1000)
		for _, e := range run.Errors {
			fmt.Printf("  error: %s\n", e)
		}
	}

	pending, err := st.PendingTaskCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Pending workflow tasks: %d\n", pending)

	projects, err := st.ListProjects(ctx)
	if err != nil {
		return err
	}
	active, archived := 0, 0
	for _, p := range projects {
		if p.Status == "archived" {
			archived++
		} else {
			active++
		}
	}
	fmt.Printf("Projects: %d active, %d archived\n", active, archived)
	return nil
}
