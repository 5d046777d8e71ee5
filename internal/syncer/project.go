package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// ProjectSyncArgs are the inputs to a ProjectSync workflow.
type ProjectSyncArgs struct {
	Project string `json:"project"`
}

// ProjectSync sweeps a single project in four phases: Huly->others,
// Vibe->others, Beads->others, then Huly-origin changes not yet reflected
// in Beads. The sync cursor advances only when every issue processed
// cleanly.
func (d *Deps) ProjectSync(wf *workflow.Context, raw json.RawMessage) error {
	var args ProjectSyncArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return syncerr.New(syncerr.Validation, "project sync", fmt.Errorf("bad args: %w", err))
	}
	if args.Project == "" {
		return syncerr.Newf(syncerr.Validation, "project identifier is required")
	}
	log := wf.Log.With(zap.String("project", args.Project))
	started := wf.Now()

	var proj *types.Project
	if err := wf.Execute("load project", func(ctx context.Context) error {
		var perr error
		proj, perr = d.Store.GetProject(ctx, args.Project)
		return perr
	}); err != nil {
		return err
	}

	var failures atomic.Int32
	synced := 0

	// Phase 1: Huly -> others.
	wf.SetPhase("huly")
	var hulyIssues []tracker.Issue
	var hulyCursor string
	if err := wf.Execute("list huly issues", func(ctx context.Context) error {
		var lerr error
		hulyIssues, hulyCursor, lerr = d.Huly.ListIssues(ctx, args.Project,
			tracker.ListOptions{SinceCursor: proj.SyncCursor})
		return lerr
	}); err != nil {
		return err
	}
	synced += d.syncBatch(wf, args.Project, types.SourceHuly, refsOf(hulyIssues), &failures, log)

	// Phase 2: Vibe -> others.
	wf.SetPhase("vibe")
	if proj.VibeID != "" {
		var vibeTasks []tracker.Issue
		if err := wf.Execute("list vibe tasks", func(ctx context.Context) error {
			var lerr error
			vibeTasks, _, lerr = d.Vibe.ListIssues(ctx, proj.VibeID,
				tracker.ListOptions{ModifiedSince: proj.LastSyncAt})
			return lerr
		}); err != nil {
			return err
		}
		synced += d.syncBatch(wf, args.Project, types.SourceVibe, refsOf(vibeTasks), &failures, log)
	}

	// Phase 3a: Beads -> others. The JSONL is the source; issues mapped to
	// beads but absent from the file are synced too so their deletion is
	// observed.
	wf.SetPhase("beads")
	if d.Beads != nil && d.Beads.RepoPath(args.Project) != "" {
		var beadsRefs []string
		if err := wf.Execute("classify beads issues", func(ctx context.Context) error {
			var cerr error
			beadsRefs, cerr = d.classifyBeads(ctx, args.Project)
			return cerr
		}); err != nil {
			return err
		}
		synced += d.syncBatch(wf, args.Project, types.SourceBeads, beadsRefs, &failures, log)

		// Phase 3b: Huly-origin changes not yet reflected in Beads.
		var laggards []string
		if err := wf.Execute("find beads laggards", func(ctx context.Context) error {
			rows, merr := d.Store.GetIssuesWithContentMismatch(ctx, args.Project)
			if merr != nil {
				return merr
			}
			for _, row := range rows {
				if row.HulyID != "" && row.ContentHash != row.BeadsContentHash && !row.DeletedFromHuly {
					laggards = append(laggards, row.HulyID)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		synced += d.syncBatch(wf, args.Project, types.SourceHuly, laggards, &failures, log)
	}

	// Cursor bookkeeping: advance only on a clean sweep.
	wf.SetPhase("finalize")
	failed := int(failures.Load())
	if err := wf.Execute("advance cursor", func(ctx context.Context) error {
		if failed == 0 && hulyCursor != "" {
			return d.Store.AdvanceSyncCursor(ctx, args.Project, hulyCursor, wf.Now())
		}
		return d.Store.MarkProjectChecked(ctx, args.Project, wf.Now())
	}); err != nil {
		return err
	}

	d.writeRepoSettings(wf, proj, log)

	d.Metrics.ProjectSyncDuration(wf.Context(), args.Project, wf.Now().Sub(started))
	d.Sinks.ProjectSynced(wf.Context(), args.Project, synced)
	log.Info("project sweep finished",
		zap.Int("synced", synced), zap.Int("failed", failed))

	if failed > 0 {
		return syncerr.Newf(syncerr.Transient, "project %s: %d issue(s) failed to sync", args.Project, failed)
	}
	return nil
}

// syncBatch runs single-issue syncs for a batch of refs with bounded
// parallelism. Individual failures are counted, not fatal to the batch.
func (d *Deps) syncBatch(wf *workflow.Context, project string, source types.Source, refs []string, failures *atomic.Int32, log *zap.Logger) int {
	if len(refs) == 0 {
		return 0
	}
	var succeeded atomic.Int32
	g := &errgroup.Group{}
	g.SetLimit(issueParallelism)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			if wf.Err() != nil {
				return nil
			}
			unlock := d.locks.lock(project + "/" + ref)
			defer unlock()
			err := d.syncOne(wf, SingleIssueArgs{Source: source, EntityRef: ref, Project: project})
			if err != nil {
				failures.Add(1)
				wf.RecordResult(false)
				d.Metrics.IssueFailed(wf.Context(), project)
				log.Warn("issue sync failed",
					zap.String("source", string(source)),
					zap.String("ref", ref),
					zap.Error(err))
			} else {
				succeeded.Add(1)
				wf.RecordResult(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load())
}

// classifyBeads returns the beads ids needing a sync pass: everything live
// in the JSONL that is new or changed versus the mapping store, plus every
// mapped beads id whose JSONL row is gone or tombstoned.
func (d *Deps) classifyBeads(ctx context.Context, project string) ([]string, error) {
	live, _, err := d.Beads.ListIssues(ctx, project, tracker.ListOptions{})
	if err != nil {
		return nil, err
	}
	liveIDs := make(map[string]bool, len(live))
	var refs []string
	for i := range live {
		liveIDs[live[i].ID] = true
		canon := canonicalize(types.SourceBeads, &live[i])
		row, rerr := d.Store.GetIssueBySourceID(ctx, types.SourceBeads, live[i].ID)
		if rerr != nil {
			if !syncerr.Is(rerr, syncerr.NotFound) {
				return nil, rerr
			}
			refs = append(refs, live[i].ID) // new
			continue
		}
		if row.ContentHash != canon.hash() {
			refs = append(refs, live[i].ID) // changed
		}
	}

	rows, err := d.Store.ListIssues(ctx, project)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.BeadsID != "" && !row.DeletedFromBeads && !liveIDs[row.BeadsID] {
			refs = append(refs, row.BeadsID) // deleted or tombstoned
		}
	}
	return refs, nil
}

// repoSettings is the repo-local linkage file. Consumers treat it as
// opaque; the engine only maintains it.
type repoSettings struct {
	Project    string `yaml:"project"`
	HulyID     string `yaml:"huly_id,omitempty"`
	VibeID     string `yaml:"vibe_id,omitempty"`
	LastSyncAt string `yaml:"last_sync_at"`
}

// writeRepoSettings refreshes the per-repo agent linkage file after a sweep.
// Best effort: a write failure is logged, never fatal.
func (d *Deps) writeRepoSettings(wf *workflow.Context, proj *types.Project, log *zap.Logger) {
	if d.Beads == nil {
		return
	}
	repo := d.Beads.RepoPath(proj.Identifier)
	if repo == "" || d.Config.DryRun {
		return
	}
	settings := repoSettings{
		Project:    proj.Identifier,
		HulyID:     proj.HulyID,
		VibeID:     proj.VibeID,
		LastSyncAt: wf.Now().UTC().Format(time.RFC3339),
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		log.Warn("failed to marshal repo settings", zap.Error(err))
		return
	}
	dir := filepath.Join(repo, ".hvs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("failed to create repo settings dir", zap.Error(err))
		return
	}
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn("failed to write repo settings", zap.Error(err))
		return
	}
	if err := d.Store.SaveProjectFile(wf.Context(), &types.ProjectFile{
		ProjectIdentifier: proj.Identifier,
		Path:              path,
		Kind:              "agent",
		UpdatedAt:         wf.Now(),
	}); err != nil {
		log.Warn("failed to record repo settings file", zap.Error(err))
	}
}

func refsOf(issues []tracker.Issue) []string {
	refs := make([]string, 0, len(issues))
	for i := range issues {
		refs = append(refs, issues[i].ID)
	}
	return refs
}
