package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/conflict"
	"github.com/oculairmedia/huly-vibe-sync/internal/mapping"
	"github.com/oculairmedia/huly-vibe-sync/internal/resolver"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// SingleIssueArgs are the inputs to a SingleIssueSync workflow.
type SingleIssueArgs struct {
	Source    types.Source `json:"source"`
	EntityRef string       `json:"entity_ref"`
	Project   string       `json:"project"`
}

// canonicalIssue is a tracker issue translated into the canonical
// vocabulary, ready for conflict decisions and propagation.
type canonicalIssue struct {
	Title       string
	Description string
	Status      types.Status
	Priority    types.Priority
	ParentID    string
	ModifiedAt  time.Time
}

// canonicalize translates a tracker-native issue into canonical form.
func canonicalize(source types.Source, ti *tracker.Issue) canonicalIssue {
	c := canonicalIssue{
		Title:       ti.Title,
		Description: ti.Description,
		ParentID:    ti.ParentID,
		ModifiedAt:  ti.ModifiedAt,
	}
	switch source {
	case types.SourceHuly:
		c.Status = mapping.StatusFromHuly(ti.Status)
		c.Priority = mapping.PriorityFromHuly(ti.Priority)
	case types.SourceVibe:
		c.Status = mapping.StatusFromVibe(ti.Status)
		c.Priority = mapping.PriorityFromVibe(ti.Priority)
	case types.SourceBeads:
		c.Status = mapping.StatusFromBeads(ti.Status, ti.Labels)
		p, err := strconv.Atoi(ti.Priority)
		if err != nil {
			p = 2
		}
		c.Priority = mapping.PriorityFromBeads(p)
	}
	return c
}

// hash computes the content hash over the synced field subset. Reference
// tags are stripped first so a tag added on one side does not read as a
// content change.
func (c canonicalIssue) hash() string {
	return types.ContentHash(c.Title, mapping.StripTags(c.Description), c.Status, c.Priority)
}

// SingleIssueSync syncs one logical issue from its source of change to the
// other systems.
func (d *Deps) SingleIssueSync(wf *workflow.Context, raw json.RawMessage) error {
	var args SingleIssueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return syncerr.New(syncerr.Validation, "single issue sync", fmt.Errorf("bad args: %w", err))
	}
	if !args.Source.IsValid() || args.Source == types.SourceScheduled {
		return syncerr.Newf(syncerr.Validation, "invalid sync source %q", args.Source)
	}
	unlock := d.locks.lock(args.Project + "/" + args.EntityRef)
	defer unlock()

	return d.syncOne(wf, args)
}

// syncOne is the shared body for detector-triggered workflows and inline
// project-sweep syncs.
func (d *Deps) syncOne(wf *workflow.Context, args SingleIssueArgs) error {
	log := wf.Log.With(
		zap.String("source", string(args.Source)),
		zap.String("entity", args.EntityRef),
		zap.String("project", args.Project))

	// 1. Fetch current state from the source.
	wf.SetPhase("fetch")
	var current *tracker.Issue
	err := wf.Execute("fetch from "+string(args.Source), func(ctx context.Context) error {
		var ferr error
		current, ferr = d.fetch(ctx, args)
		return ferr
	})
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			return d.handleDeleted(wf, args, log)
		}
		return err
	}
	if current.Deleted {
		return d.handleDeleted(wf, args, log)
	}

	canon := canonicalize(args.Source, current)
	newHash := canon.hash()

	// 2. Resolve counterparts.
	wf.SetPhase("resolve")
	res := resolver.New(d.Store, d.Vibe, d.Log)
	defer res.Reset()
	var cp *resolver.Counterparts
	err = wf.Execute("resolve counterparts", func(ctx context.Context) error {
		var rerr error
		cp, rerr = res.Resolve(ctx, args.Project, args.Source, current)
		return rerr
	})
	if err != nil {
		return err
	}

	// 3. Content-hash short-circuit: nothing changed since the last sync.
	if conflict.Unchanged(cp.Row, newHash) {
		log.Debug("content unchanged, short-circuiting")
		d.Metrics.IssueSkipped(wf.Context(), args.Project)
		return wf.Execute("touch last sync", func(ctx context.Context) error {
			return d.Store.RecordSync(ctx, cp.Row, wf.Now())
		})
	}

	// 4. Merge into the mapping row.
	row := d.mergeRow(args, current, canon, cp, newHash)

	// 5. Conflict decisions and propagation.
	wf.SetPhase("propagate")
	if args.Source != types.SourceHuly {
		if err := d.propagateToHuly(wf, args, row, canon, log); err != nil {
			return err
		}
	}
	if args.Source != types.SourceVibe {
		if err := d.propagateToVibe(wf, args, row, canon, log); err != nil {
			return err
		}
	}
	if args.Source != types.SourceBeads {
		if err := d.propagateToBeads(wf, args, row, canon, log); err != nil {
			return err
		}
	}

	// 6. Parent linkage, authoritative in Huly.
	if args.Source == types.SourceHuly && canon.ParentID != "" {
		if err := d.syncParentLink(wf, args, row, canon.ParentID, log); err != nil {
			return err
		}
	}

	// 7. Persist bookkeeping and notify sinks. Sink failures never fail the
	// workflow.
	wf.SetPhase("record")
	if err := wf.Execute("record sync", func(ctx context.Context) error {
		return d.Store.RecordSync(ctx, row, wf.Now())
	}); err != nil {
		return err
	}
	d.Metrics.IssueSynced(wf.Context(), args.Project)
	d.Sinks.IssueSynced(wf.Context(), row)
	log.Info("issue synced", zap.String("identifier", row.Identifier))
	return nil
}

// fetch reads the entity from its source tracker.
func (d *Deps) fetch(ctx context.Context, args SingleIssueArgs) (*tracker.Issue, error) {
	switch args.Source {
	case types.SourceHuly:
		return d.Huly.GetIssue(ctx, args.EntityRef)
	case types.SourceVibe:
		return d.Vibe.GetIssue(ctx, args.EntityRef)
	case types.SourceBeads:
		return d.Beads.GetIssueInProject(ctx, args.Project, args.EntityRef)
	}
	return nil, syncerr.Newf(syncerr.Validation, "unknown source %s", args.Source)
}

// handleDeleted records a source-side deletion. The mapping and the
// counterparts survive as a soft-delete unless the configured policy
// cascades Huly deletions.
func (d *Deps) handleDeleted(wf *workflow.Context, args SingleIssueArgs, log *zap.Logger) error {
	var row *types.Issue
	err := wf.Execute("resolve deleted entity", func(ctx context.Context) error {
		var rerr error
		row, rerr = d.Store.GetIssueBySourceID(ctx, args.Source, args.EntityRef)
		return rerr
	})
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			log.Debug("deletion for unmapped entity, nothing to do")
			return nil
		}
		return err
	}

	switch args.Source {
	case types.SourceHuly, types.SourceBeads:
		if err := wf.Execute("mark soft-deleted", func(ctx context.Context) error {
			return d.Store.MarkDeletedFrom(ctx, row.ProjectIdentifier, row.Identifier, args.Source)
		}); err != nil {
			return err
		}
	case types.SourceVibe:
		// Vibe archival is not tracked as a deletion; the task row stays.
		log.Info("vibe task archived, mapping retained")
		return nil
	}
	log.Info("marked soft-deleted", zap.String("identifier", row.Identifier))

	if args.Source == types.SourceHuly && d.Config.DeletePolicy == config.DeleteCascade && !d.Config.DryRun {
		if row.VibeID != "" {
			if err := wf.Execute("cascade delete vibe task", func(ctx context.Context) error {
				return d.Vibe.DeleteIssue(ctx, row.VibeID)
			}); err != nil {
				return err
			}
		}
		if row.BeadsID != "" {
			if err := wf.Execute("cascade delete beads issue", func(ctx context.Context) error {
				return d.Beads.DeleteIssue(ctx, row.BeadsID)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeRow folds the fetched state into the mapping row (existing or new).
func (d *Deps) mergeRow(args SingleIssueArgs, current *tracker.Issue, canon canonicalIssue, cp *resolver.Counterparts, newHash string) *types.Issue {
	row := cp.Row
	if row == nil {
		row = &types.Issue{
			Identifier:        d.identifierFor(args, current, cp),
			ProjectIdentifier: args.Project,
		}
	}
	row.Title = canon.Title
	row.Description = mapping.StripTags(canon.Description)
	row.Status = canon.Status
	row.Priority = canon.Priority
	row.ContentHash = newHash

	modified := canon.ModifiedAt
	switch args.Source {
	case types.SourceHuly:
		row.HulyID = current.ID
		row.HulyModifiedAt = &modified
		row.HulyContentHash = newHash
		if cp.VibeID != "" && row.VibeID == "" {
			row.VibeID = cp.VibeID
		}
	case types.SourceVibe:
		row.VibeID = current.ID
		row.VibeModifiedAt = &modified
	case types.SourceBeads:
		row.BeadsID = current.ID
		row.BeadsModifiedAt = &modified
		row.BeadsContentHash = newHash
	}
	return row
}

// identifierFor picks the mapping key for a never-seen entity: the Huly
// identifier when Huly is the origin (or pinned by a description tag),
// otherwise a synthetic key rebound later.
func (d *Deps) identifierFor(args SingleIssueArgs, current *tracker.Issue, cp *resolver.Counterparts) string {
	if args.Source == types.SourceHuly && current.Identifier != "" {
		return current.Identifier
	}
	if cp.HulyID != "" {
		return cp.HulyID
	}
	return fmt.Sprintf("%s-%s", args.Source, current.ID)
}

// syncParentLink records Huly's parent-child relationship in the mapping
// store and mirrors it into Beads. Huly parentage overwrites whatever Beads
// had.
func (d *Deps) syncParentLink(wf *workflow.Context, args SingleIssueArgs, row *types.Issue, hulyParentID string, log *zap.Logger) error {
	var parent *types.Issue
	err := wf.Execute("resolve parent", func(ctx context.Context) error {
		var perr error
		parent, perr = d.Store.GetIssueBySourceID(ctx, types.SourceHuly, hulyParentID)
		return perr
	})
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			log.Debug("parent not mapped yet, linkage deferred to its own sync",
				zap.String("huly_parent", hulyParentID))
			return nil
		}
		return err
	}

	row.ParentIdentifier = parent.Identifier
	row.ParentBeadsID = parent.BeadsID
	if err := wf.Execute("record parent link", func(ctx context.Context) error {
		if _, gerr := d.Store.GetIssue(ctx, args.Project, row.Identifier); gerr != nil {
			if syncerr.Is(gerr, syncerr.NotFound) {
				return nil // row not persisted yet; RecordSync carries the link
			}
			return gerr
		}
		if uerr := d.Store.UpdateParentChild(ctx, args.Project, row.Identifier, parent.Identifier, parent.BeadsID); uerr != nil {
			return uerr
		}
		return d.Store.UpdateSubIssueCount(ctx, args.Project, parent.Identifier)
	}); err != nil {
		return err
	}

	if d.Beads != nil && d.Beads.RepoPath(args.Project) != "" &&
		row.BeadsID != "" && parent.BeadsID != "" && !d.Config.DryRun {
		parentID := parent.BeadsID
		if err := wf.Execute("link beads parent", func(ctx context.Context) error {
			_, uerr := d.Beads.UpdateIssue(ctx, row.BeadsID, tracker.Fields{ParentID: &parentID})
			return uerr
		}); err != nil {
			return err
		}
	}
	return nil
}

// propagateToHuly pushes the change to Huly, creating the counterpart when
// none exists. A created Huly issue rebinds a synthetic mapping key to the
// real identifier.
func (d *Deps) propagateToHuly(wf *workflow.Context, args SingleIssueArgs, row *types.Issue, canon canonicalIssue, log *zap.Logger) error {
	if row.DeletedFromHuly {
		log.Debug("huly side soft-deleted, not propagating")
		return nil
	}
	decision := conflict.Decide(canon.ModifiedAt, row.HulyModifiedAt)
	if !decision.Propagate {
		log.Debug("skipping huly propagation", zap.String("reason", decision.Reason))
		return nil
	}
	if conflict.TargetCurrent(row.HulyContentHash, row.ContentHash) {
		log.Debug("huly already current")
		return nil
	}
	if d.Config.DryRun {
		log.Info("dry run: would update huly", zap.String("identifier", row.Identifier))
		return nil
	}

	status := string(canon.Status)
	priority := string(canon.Priority)
	fields := tracker.Fields{
		Title:    &canon.Title,
		Status:   &status,
		Priority: &priority,
	}
	desc := mapping.StripTags(canon.Description)
	if args.Source == types.SourceBeads && row.BeadsID != "" {
		desc = desc + "\n\n" + mapping.BeadsTag(row.BeadsID)
	}
	fields.Description = &desc

	if row.HulyID != "" {
		var updated *tracker.Issue
		if err := wf.Execute("update huly issue", func(ctx context.Context) error {
			var uerr error
			updated, uerr = d.Huly.UpdateIssue(ctx, row.HulyID, fields)
			return uerr
		}); err != nil {
			return err
		}
		modified := updated.ModifiedAt
		row.HulyModifiedAt = &modified
	} else {
		var created *tracker.Issue
		if err := wf.Execute("create huly issue", func(ctx context.Context) error {
			var cerr error
			created, cerr = d.Huly.CreateIssue(ctx, args.Project, fields)
			return cerr
		}); err != nil {
			return err
		}
		row.HulyID = created.ID
		modified := created.ModifiedAt
		row.HulyModifiedAt = &modified
		if created.Identifier != "" && created.Identifier != row.Identifier {
			oldID := row.Identifier
			if err := wf.Execute("rebind identifier", func(ctx context.Context) error {
				// The synthetic row may not exist yet; rebind only if it does.
				if _, gerr := d.Store.GetIssue(ctx, args.Project, oldID); gerr != nil {
					if syncerr.Is(gerr, syncerr.NotFound) {
						return nil
					}
					return gerr
				}
				return d.Store.RebindIdentifier(ctx, args.Project, oldID, created.Identifier)
			}); err != nil {
				return err
			}
			row.Identifier = created.Identifier
		}
	}
	row.HulyContentHash = row.ContentHash
	return nil
}

// propagateToVibe pushes the change to the project's Vibe board. The task
// description carries the Huly reference tag for fallback resolution.
func (d *Deps) propagateToVibe(wf *workflow.Context, args SingleIssueArgs, row *types.Issue, canon canonicalIssue, log *zap.Logger) error {
	decision := conflict.Decide(canon.ModifiedAt, row.VibeModifiedAt)
	if !decision.Propagate {
		log.Debug("skipping vibe propagation", zap.String("reason", decision.Reason))
		return nil
	}
	if d.Config.DryRun {
		log.Info("dry run: would update vibe", zap.String("identifier", row.Identifier))
		return nil
	}

	status := mapping.StatusToVibe(canon.Status)
	priority := mapping.PriorityToVibe(canon.Priority)
	desc := mapping.AppendHulyTag(mapping.StripTags(canon.Description), row.Identifier)
	fields := tracker.Fields{
		Title:       &canon.Title,
		Description: &desc,
		Status:      &status,
		Priority:    &priority,
	}

	if row.VibeID != "" {
		var updated *tracker.Issue
		err := wf.Execute("update vibe task", func(ctx context.Context) error {
			var uerr error
			updated, uerr = d.Vibe.UpdateIssue(ctx, row.VibeID, fields)
			return uerr
		})
		if err == nil {
			modified := updated.ModifiedAt
			row.VibeModifiedAt = &modified
			return nil
		}
		if !syncerr.Is(err, syncerr.NotFound) {
			return err
		}
		// The mapped task is gone: drop the stale id and create a new task.
		log.Info("mapped vibe task not found, recreating", zap.String("vibe_id", row.VibeID))
		row.VibeID = ""
	}

	// Creation needs the project's board.
	var boardID string
	if err := wf.Execute("load project board", func(ctx context.Context) error {
		proj, perr := d.Store.GetProject(ctx, args.Project)
		if perr != nil {
			return perr
		}
		boardID = proj.VibeID
		return nil
	}); err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			log.Warn("project has no vibe board, skipping vibe propagation")
			return nil
		}
		return err
	}
	if boardID == "" {
		log.Warn("project has no vibe board, skipping vibe propagation")
		return nil
	}

	var created *tracker.Issue
	if err := wf.Execute("create vibe task", func(ctx context.Context) error {
		var cerr error
		created, cerr = d.Vibe.CreateIssue(ctx, boardID, fields)
		return cerr
	}); err != nil {
		return err
	}
	row.VibeID = created.ID
	modified := created.ModifiedAt
	row.VibeModifiedAt = &modified
	return nil
}

// propagateToBeads pushes the change into the project's Beads repository,
// when one is configured.
func (d *Deps) propagateToBeads(wf *workflow.Context, args SingleIssueArgs, row *types.Issue, canon canonicalIssue, log *zap.Logger) error {
	if d.Beads == nil || d.Beads.RepoPath(args.Project) == "" {
		return nil
	}
	if row.DeletedFromBeads {
		log.Debug("beads side soft-deleted, not propagating")
		return nil
	}
	decision := conflict.Decide(canon.ModifiedAt, row.BeadsModifiedAt)
	if !decision.Propagate {
		log.Debug("skipping beads propagation", zap.String("reason", decision.Reason))
		return nil
	}
	if conflict.TargetCurrent(row.BeadsContentHash, row.ContentHash) {
		log.Debug("beads already current")
		return nil
	}
	if d.Config.DryRun {
		log.Info("dry run: would update beads", zap.String("identifier", row.Identifier))
		return nil
	}

	bs := mapping.StatusToBeads(canon.Status)
	priority := strconv.Itoa(mapping.PriorityToBeads(canon.Priority))
	desc := mapping.StripTags(canon.Description)
	// The label set is authoritative: an empty set clears stale state
	// labels (e.g. in-progress after a move to Done).
	labels := bs.Labels
	if labels == nil {
		labels = []string{}
	}
	fields := tracker.Fields{
		Title:       &canon.Title,
		Description: &desc,
		Status:      &bs.Status,
		Priority:    &priority,
		Labels:      labels,
	}

	if row.BeadsID != "" {
		var updated *tracker.Issue
		if err := wf.Execute("update beads issue", func(ctx context.Context) error {
			var uerr error
			updated, uerr = d.Beads.UpdateIssue(ctx, row.BeadsID, fields)
			return uerr
		}); err != nil {
			return err
		}
		if !updated.ModifiedAt.IsZero() {
			modified := updated.ModifiedAt
			row.BeadsModifiedAt = &modified
		}
	} else {
		// Parent linkage is authoritative in Huly; pass the parent's beads
		// id through so bd records the parent-child dependency.
		if row.ParentBeadsID != "" {
			fields.ParentID = &row.ParentBeadsID
		}
		var created *tracker.Issue
		if err := wf.Execute("create beads issue", func(ctx context.Context) error {
			var cerr error
			created, cerr = d.Beads.CreateIssue(ctx, args.Project, fields)
			return cerr
		}); err != nil {
			return err
		}
		row.BeadsID = created.ID
		modified := created.ModifiedAt
		row.BeadsModifiedAt = &modified
	}
	row.BeadsContentHash = row.ContentHash
	return nil
}
