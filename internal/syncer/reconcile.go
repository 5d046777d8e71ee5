package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// Reconciliation actions.
const (
	ActionMarkDeleted = "mark_deleted"
	ActionHardDelete  = "hard_delete"
)

// ReconcileArgs are the inputs to a DataReconciliation workflow.
type ReconcileArgs struct {
	Project string `json:"project,omitempty"` // empty = all active projects
	Action  string `json:"action"`
	DryRun  bool   `json:"dry_run"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked    int      `json:"checked"`
	StaleHuly  []string `json:"stale_huly,omitempty"`
	StaleVibe  []string `json:"stale_vibe,omitempty"`
	StaleBeads []string `json:"stale_beads,omitempty"`
	Applied    int      `json:"applied"`
	Skipped    []string `json:"skipped,omitempty"`
}

// DataReconciliation verifies every mapping still points at a live issue in
// each tracker and applies the chosen action to stale entries. Projects in
// an open breaker state are skipped entirely.
func (d *Deps) DataReconciliation(wf *workflow.Context, raw json.RawMessage) error {
	var args ReconcileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return syncerr.New(syncerr.Validation, "reconciliation", fmt.Errorf("bad args: %w", err))
	}
	switch args.Action {
	case "", ActionMarkDeleted:
		args.Action = ActionMarkDeleted
	case ActionHardDelete:
	default:
		return syncerr.Newf(syncerr.Validation, "invalid reconcile action %q", args.Action)
	}

	var projects []string
	if args.Project != "" {
		projects = []string{args.Project}
	} else {
		if err := wf.Execute("list projects", func(ctx context.Context) error {
			all, lerr := d.Store.ListProjects(ctx)
			if lerr != nil {
				return lerr
			}
			for _, p := range all {
				if p.Status == types.ProjectActive {
					projects = append(projects, p.Identifier)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	report := &ReconcileReport{}
	wf.SetTotal(len(projects))
	for _, project := range projects {
		if !d.Breakers.Allows(project) {
			report.Skipped = append(report.Skipped, project)
			wf.RecordResult(false)
			wf.Log.Warn("reconciliation skipped, breaker open", zap.String("project", project))
			continue
		}
		wf.SetPhase("reconcile " + project)
		if err := d.reconcileProject(wf, project, args, report); err != nil {
			return err
		}
		wf.RecordResult(true)
	}

	summary, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile report: %w", err)
	}
	if err := wf.Execute("record report", func(ctx context.Context) error {
		return d.Store.SetMetadata(ctx, "last_reconcile", string(summary))
	}); err != nil {
		return err
	}
	wf.Log.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("stale_huly", len(report.StaleHuly)),
		zap.Int("stale_vibe", len(report.StaleVibe)),
		zap.Int("stale_beads", len(report.StaleBeads)),
		zap.Int("applied", report.Applied),
		zap.Bool("dry_run", args.DryRun))
	return nil
}

// reconcileProject checks every mapping row of one project.
func (d *Deps) reconcileProject(wf *workflow.Context, project string, args ReconcileArgs, report *ReconcileReport) error {
	var rows []*types.Issue
	if err := wf.Execute("list mappings", func(ctx context.Context) error {
		var lerr error
		rows, lerr = d.Store.ListIssues(ctx, project)
		return lerr
	}); err != nil {
		return err
	}

	for _, row := range rows {
		report.Checked++
		staleHuly, staleVibe, staleBeads := false, false, false

		if row.HulyID != "" && !row.DeletedFromHuly {
			if err := wf.Execute("verify huly "+row.Identifier, func(ctx context.Context) error {
				_, gerr := d.Huly.GetIssue(ctx, row.HulyID)
				if syncerr.Is(gerr, syncerr.NotFound) {
					staleHuly = true
					return nil
				}
				return gerr
			}); err != nil {
				return err
			}
		}
		if row.VibeID != "" {
			if err := wf.Execute("verify vibe "+row.Identifier, func(ctx context.Context) error {
				_, gerr := d.Vibe.GetIssue(ctx, row.VibeID)
				if syncerr.Is(gerr, syncerr.NotFound) {
					staleVibe = true
					return nil
				}
				return gerr
			}); err != nil {
				return err
			}
		}
		if row.BeadsID != "" && !row.DeletedFromBeads && d.Beads != nil && d.Beads.RepoPath(project) != "" {
			if err := wf.Execute("verify beads "+row.Identifier, func(ctx context.Context) error {
				issue, gerr := d.Beads.GetIssueInProject(ctx, project, row.BeadsID)
				if syncerr.Is(gerr, syncerr.NotFound) {
					staleBeads = true
					return nil
				}
				if gerr != nil {
					return gerr
				}
				if issue.Deleted {
					staleBeads = true
				}
				return nil
			}); err != nil {
				return err
			}
		}

		if staleHuly {
			report.StaleHuly = append(report.StaleHuly, row.Identifier)
		}
		if staleVibe {
			report.StaleVibe = append(report.StaleVibe, row.Identifier)
		}
		if staleBeads {
			report.StaleBeads = append(report.StaleBeads, row.Identifier)
		}
		if args.DryRun || (!staleHuly && !staleVibe && !staleBeads) {
			continue
		}

		if err := wf.Execute("apply "+args.Action+" to "+row.Identifier, func(ctx context.Context) error {
			if args.Action == ActionHardDelete {
				return d.Store.DeleteIssue(ctx, project, row.Identifier)
			}
			if staleHuly {
				if merr := d.Store.MarkDeletedFrom(ctx, project, row.Identifier, types.SourceHuly); merr != nil {
					return merr
				}
			}
			if staleBeads {
				if merr := d.Store.MarkDeletedFrom(ctx, project, row.Identifier, types.SourceBeads); merr != nil {
					return merr
				}
			}
			// Vibe has no soft-delete flag; a stale vibe id is cleared on
			// the next successful sync that recreates the task.
			return nil
		}); err != nil {
			return err
		}
		report.Applied++
	}
	return nil
}
