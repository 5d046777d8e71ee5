package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// OrchestrationArgs carry a FullOrchestration pass across continue-as-new
// boundaries: the run id, the frozen project list, and the cursor into it.
type OrchestrationArgs struct {
	RunID    int64    `json:"run_id,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Offset   int      `json:"offset"`
	Bucket   string   `json:"bucket,omitempty"`

	Processed    int      `json:"processed"`
	Failed       int      `json:"failed"`
	IssuesSynced int      `json:"issues_synced"`
	Errors       []string `json:"errors,omitempty"`
	StartedAtMs  int64    `json:"started_at_ms,omitempty"`
}

// FullOrchestration discovers projects, filters them through the store's
// gating predicate, and sweeps each behind its circuit breaker. Every
// three projects the workflow continues as new to bound history.
func (d *Deps) FullOrchestration(wf *workflow.Context, raw json.RawMessage) error {
	var args OrchestrationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return syncerr.New(syncerr.Validation, "full orchestration", fmt.Errorf("bad args: %w", err))
	}

	// First execution of the chain: discover and freeze the project list.
	if args.Projects == nil {
		if err := d.discoverProjects(wf, &args); err != nil {
			return err
		}
		if len(args.Projects) == 0 {
			wf.Log.Info("no projects need syncing")
			return d.completeRun(wf, &args)
		}
	}
	wf.SetTotal(len(args.Projects))
	for i := 0; i < args.Offset; i++ {
		wf.RecordResult(true) // restore progress counters after continue-as-new
	}

	batchEnd := args.Offset + continueAsNewEvery
	if batchEnd > len(args.Projects) {
		batchEnd = len(args.Projects)
	}

	for _, project := range args.Projects[args.Offset:batchEnd] {
		wf.SetPhase("sync " + project)
		err := d.Breakers.Do(project, func() error {
			return d.runProjectSync(wf, project)
		})
		args.Processed++
		if err != nil {
			args.Failed++
			args.Errors = append(args.Errors, fmt.Sprintf("%s: %v", project, err))
			wf.RecordResult(false)
			if syncerr.Is(err, syncerr.RateLimited) {
				d.Metrics.BreakerTripped(wf.Context(), project)
				wf.Log.Warn("project skipped by circuit breaker", zap.String("project", project))
			} else {
				wf.Log.Error("project sweep failed", zap.String("project", project), zap.Error(err))
			}
		} else {
			wf.RecordResult(true)
		}
	}

	args.Offset = batchEnd
	if args.Offset < len(args.Projects) {
		return wf.ContinueAsNew(args)
	}
	return d.completeRun(wf, &args)
}

// discoverProjects lists Huly projects, refreshes the mapping rows, records
// projects gone missing, and freezes the filtered sweep list into args.
func (d *Deps) discoverProjects(wf *workflow.Context, args *OrchestrationArgs) error {
	wf.SetPhase("discover")

	if err := wf.Execute("list huly projects", func(ctx context.Context) error {
		listed, lerr := d.Huly.ListProjects(ctx)
		if lerr != nil {
			return lerr
		}
		now := wf.Now()
		seen := make(map[string]bool, len(listed))
		descHashes := make(map[string]string, len(listed))
		for _, p := range listed {
			seen[p.Identifier] = true
			descHashes[p.Identifier] = types.ContentHash(p.Name, p.Description, "", "")
			row := &types.Project{
				Identifier:    p.Identifier,
				HulyID:        p.ID,
				IssueCount:    p.IssueCount,
				LastCheckedAt: &now,
				Status:        types.ProjectActive,
			}
			if repo := d.Config.RepoFor(p.Identifier); repo != nil {
				row.RepoPath = repo.Path
				row.GitURL = repo.GitURL
			}
			if uerr := d.Store.UpsertProject(ctx, row); uerr != nil {
				return uerr
			}
		}

		archived, merr := d.Store.RecordMissingProjects(ctx, seen)
		if merr != nil {
			return merr
		}
		for _, id := range archived {
			d.Log.Info("archived project absent from huly", zap.String("project", id))
		}

		candidates, gerr := d.Store.GetProjectsToSync(ctx, d.Config.CacheExpiry, descHashes)
		if gerr != nil {
			return gerr
		}
		for _, p := range candidates {
			if d.Config.SkipEmptyProjects && p.IssueCount == 0 {
				descHash := descHashes[p.Identifier]
				if p.DescriptionHash != "" && p.DescriptionHash == descHash {
					continue
				}
			}
			args.Projects = append(args.Projects, p.Identifier)
		}
		// Remember the observed hashes for the next sweep's gating.
		for _, p := range candidates {
			if h, ok := descHashes[p.Identifier]; ok {
				p.DescriptionHash = h
				if uerr := d.Store.UpsertProject(ctx, p); uerr != nil {
					return uerr
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if args.Projects == nil {
		args.Projects = []string{}
	}

	return wf.Execute("start sync run", func(ctx context.Context) error {
		id, serr := d.Store.StartSyncRun(ctx, wf.Now())
		if serr != nil {
			return serr
		}
		args.RunID = id
		args.StartedAtMs = wf.Now().UnixMilli()
		return nil
	})
}

// runProjectSync runs one project sweep as a child workflow and reports its
// terminal state as an error for the breaker.
func (d *Deps) runProjectSync(wf *workflow.Context, project string) error {
	id := ProjectSyncID(project)
	if d.Config.ParallelSync {
		// Fire and let the worker pool schedule it; the breaker only sees
		// enqueue failures in this mode.
		_, err := wf.Child(id, KindProjectSync, ProjectSyncArgs{Project: project})
		return err
	}
	if _, err := wf.Child(id, KindProjectSync, ProjectSyncArgs{Project: project}); err != nil {
		return err
	}
	if err := wf.WaitFor(id); err != nil {
		return err
	}
	var state string
	if err := wf.Execute("check project sync result", func(ctx context.Context) error {
		var serr error
		state, serr = d.Store.TaskState(ctx, id)
		return serr
	}); err != nil {
		return err
	}
	if state != store.TaskDone {
		return syncerr.Newf(syncerr.Transient, "project sync ended %s", state)
	}
	return nil
}

// completeRun finalizes the sync_history row for the pass.
func (d *Deps) completeRun(wf *workflow.Context, args *OrchestrationArgs) error {
	if args.RunID == 0 {
		return nil
	}
	return wf.Execute("complete sync run", func(ctx context.Context) error {
		now := wf.Now()
		durationMs := int64(0)
		if args.StartedAtMs > 0 {
			durationMs = now.UnixMilli() - args.StartedAtMs
			if n, cerr := d.Store.CountIssuesSyncedSince(ctx, time.UnixMilli(args.StartedAtMs)); cerr == nil {
				args.IssuesSynced = n
			}
		}
		if err := d.Store.CompleteSyncRun(ctx, &types.SyncRun{
			ID:                args.RunID,
			CompletedAt:       &now,
			ProjectsProcessed: args.Processed,
			ProjectsFailed:    args.Failed,
			IssuesSynced:      args.IssuesSynced,
			Errors:            args.Errors,
			DurationMs:        durationMs,
		}); err != nil {
			return err
		}
		return d.Store.SetMetadata(ctx, "last_sync", fmt.Sprintf("%d", now.UnixMilli()))
	})
}

// ScheduledSyncArgs drive the long-running scheduler workflow.
type ScheduledSyncArgs struct {
	IntervalMinutes int `json:"interval_minutes"`
	MaxIterations   int `json:"max_iterations,omitempty"`
	Iteration       int `json:"iteration"`
}

// ScheduledSync sleeps, triggers a full orchestration, and continues as new
// each iteration, forever unless cancelled or MaxIterations is reached.
func (d *Deps) ScheduledSync(wf *workflow.Context, raw json.RawMessage) error {
	var args ScheduledSyncArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return syncerr.New(syncerr.Validation, "scheduled sync", fmt.Errorf("bad args: %w", err))
	}
	if args.MaxIterations > 0 && args.Iteration >= args.MaxIterations {
		wf.Log.Info("scheduled sync reached max iterations", zap.Int("iterations", args.Iteration))
		return nil
	}

	interval := time.Duration(args.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = d.Config.SyncInterval
	}
	wf.SetPhase("sleep")
	if err := wf.Sleep(interval); err != nil {
		return err
	}

	wf.SetPhase("orchestrate")
	id := FullSyncID("all", fmt.Sprintf("scheduled-%d", args.Iteration))
	if _, err := wf.Child(id, KindFullOrchestration, OrchestrationArgs{Bucket: "scheduled"}); err != nil {
		return err
	}
	if err := wf.WaitFor(id); err != nil {
		return err
	}

	args.Iteration++
	return wf.ContinueAsNew(args)
}
