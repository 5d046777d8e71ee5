// Package resolver locates an entity's counterparts across the three
// trackers: stored mapping first, description-tag fallback second,
// normalized-title match last. Resolution never creates counterparts;
// creation is the workflow's job, which keeps read-only phases
// deterministic.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/mapping"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// Counterparts is the result of a resolution: the mapping row when one
// exists, plus any counterpart ids discovered through fallbacks that the
// row does not yet record.
type Counterparts struct {
	Row    *types.Issue
	HulyID string
	VibeID string
}

// Resolver resolves identities across systems. The vibe listing cache is
// scoped to the resolver instance; the single-issue sync creates one per
// issue and resets it on return to bound memory.
type Resolver struct {
	store *store.Store
	vibe  tracker.Tracker
	log   *zap.Logger

	vibeCache map[string][]tracker.Issue // board id -> tasks
}

// New creates a resolver.
func New(st *store.Store, vibe tracker.Tracker, log *zap.Logger) *Resolver {
	return &Resolver{
		store:     st,
		vibe:      vibe,
		log:       log,
		vibeCache: make(map[string][]tracker.Issue),
	}
}

// Reset drops cached tracker listings.
func (r *Resolver) Reset() {
	r.vibeCache = make(map[string][]tracker.Issue)
}

// Resolve finds the mapping row and counterpart ids for an issue reported
// by `source`. A nil Row with no error means the entity is new everywhere.
func (r *Resolver) Resolve(ctx context.Context, project string, source types.Source, issue *tracker.Issue) (*Counterparts, error) {
	// 1. Stored cross-system id.
	row, err := r.store.GetIssueBySourceID(ctx, source, issue.ID)
	if err == nil {
		return &Counterparts{Row: row}, nil
	}
	if !syncerr.Is(err, syncerr.NotFound) {
		return nil, fmt.Errorf("failed to resolve %s by %s id: %w", issue.ID, source, err)
	}

	// Huly-origin issues are also findable by their identifier directly.
	if source == types.SourceHuly && issue.Identifier != "" {
		row, err = r.store.GetIssue(ctx, project, issue.Identifier)
		if err == nil {
			return &Counterparts{Row: row}, nil
		}
		if !syncerr.Is(err, syncerr.NotFound) {
			return nil, fmt.Errorf("failed to resolve %s by identifier: %w", issue.Identifier, err)
		}
	}

	// 2. Description tags. The incoming entity may carry a reference to its
	// Huly counterpart; conversely, a Huly entity may be referenced from a
	// Vibe task's description.
	cp := &Counterparts{}
	if source != types.SourceHuly {
		if ref := mapping.ExtractHulyRef(issue.Description); ref != "" {
			row, err = r.store.GetIssue(ctx, project, ref)
			if err == nil {
				cp.Row = row
				return cp, nil
			}
			if !syncerr.Is(err, syncerr.NotFound) {
				return nil, fmt.Errorf("failed to resolve tag ref %s: %w", ref, err)
			}
			// No mapping row yet, but the tag pins the Huly identity.
			cp.HulyID = ref
		}
	}
	if source == types.SourceHuly {
		if vibeID, err := r.findVibeByTag(ctx, project, issue.Identifier); err != nil {
			return nil, err
		} else if vibeID != "" {
			cp.VibeID = vibeID
		}
	}

	// 3. Normalized title match scoped to the project.
	if cp.Row == nil && issue.Title != "" {
		row, err = r.store.GetIssueByTitle(ctx, project, issue.Title)
		if err == nil {
			r.log.Debug("resolved by title match",
				zap.String("project", project),
				zap.String("source", string(source)),
				zap.String("identifier", row.Identifier))
			cp.Row = row
			return cp, nil
		}
		if !syncerr.Is(err, syncerr.NotFound) {
			return nil, fmt.Errorf("failed to resolve %q by title: %w", issue.Title, err)
		}
	}

	// Not found: the workflow decides whether to create counterparts.
	return cp, nil
}

// findVibeByTag scans the project's Vibe tasks for one whose description
// carries the Huly identifier tag. Listings are cached per resolver.
func (r *Resolver) findVibeByTag(ctx context.Context, project, hulyIdentifier string) (string, error) {
	if hulyIdentifier == "" || r.vibe == nil {
		return "", nil
	}
	proj, err := r.store.GetProject(ctx, project)
	if err != nil || proj.VibeID == "" {
		if err != nil && !syncerr.Is(err, syncerr.NotFound) {
			return "", fmt.Errorf("failed to load project %s: %w", project, err)
		}
		return "", nil
	}

	tasks, ok := r.vibeCache[proj.VibeID]
	if !ok {
		tasks, _, err = r.vibe.ListIssues(ctx, proj.VibeID, tracker.ListOptions{})
		if err != nil {
			// Tag fallback is best-effort; a listing failure downgrades
			// resolution rather than failing the workflow.
			r.log.Warn("vibe tag scan failed", zap.String("project", project), zap.Error(err))
			return "", nil
		}
		r.vibeCache[proj.VibeID] = tasks
	}
	for i := range tasks {
		if mapping.ExtractHulyRef(tasks[i].Description) == hulyIdentifier {
			return tasks[i].ID, nil
		}
	}
	return "", nil
}
