package beads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
)

// Adapter implements the Tracker interface over a set of configured Beads
// repositories. Project identifiers map to repo paths; listings come from
// JSONL reads, mutations go through the CLI.
type Adapter struct {
	bin   string
	repos map[string]string // project identifier -> repo path
}

// NewAdapter creates a Beads adapter for the given project->path map.
func NewAdapter(bin string, repos map[string]string) *Adapter {
	if bin == "" {
		bin = "bd"
	}
	return &Adapter{bin: bin, repos: repos}
}

func (a *Adapter) Name() string { return "beads" }

// RepoPath returns the repo path for a project, or "".
func (a *Adapter) RepoPath(project string) string {
	return a.repos[project]
}

// cliFor returns a CLI bound to the project's repository.
func (a *Adapter) cliFor(project string) (*CLI, error) {
	path, ok := a.repos[project]
	if !ok {
		return nil, syncerr.Newf(syncerr.NotFound, "no beads repo configured for project %s", project)
	}
	return NewCLI(a.bin, path), nil
}

// HealthCheck verifies the bd binary responds in the first configured repo.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	for _, path := range a.repos {
		_, err := NewCLI(a.bin, path).Version(ctx)
		return err
	}
	return nil // no repos configured: nothing to check
}

// ListProjects reports the configured repositories as projects.
func (a *Adapter) ListProjects(ctx context.Context) ([]tracker.Project, error) {
	out := make([]tracker.Project, 0, len(a.repos))
	for project, path := range a.repos {
		count := 0
		if issues, err := ReadIssues(path); err == nil {
			count = len(issues)
		}
		out = append(out, tracker.Project{
			ID:         path,
			Identifier: project,
			Name:       project,
			IssueCount: count,
		})
	}
	return out, nil
}

// GetProject fetches one configured repo as a project.
func (a *Adapter) GetProject(ctx context.Context, id string) (*tracker.Project, error) {
	path, ok := a.repos[id]
	if !ok {
		return nil, syncerr.Newf(syncerr.NotFound, "no beads repo configured for project %s", id)
	}
	p := tracker.Project{ID: path, Identifier: id, Name: id}
	if issues, err := ReadIssues(path); err == nil {
		p.IssueCount = len(issues)
	}
	return &p, nil
}

// ListIssues reads the repository's JSONL export. Beads has no server-side
// cursor; the returned cursor is an updated_at high-water mark and callers
// filter client-side via opts.ModifiedSince.
func (a *Adapter) ListIssues(ctx context.Context, project string, opts tracker.ListOptions) ([]tracker.Issue, string, error) {
	path, ok := a.repos[project]
	if !ok {
		return nil, "", syncerr.Newf(syncerr.NotFound, "no beads repo configured for project %s", project)
	}
	raw, err := ReadIssues(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to list beads issues for %s: %w", project, err)
	}

	var out []tracker.Issue
	var highWater time.Time
	for _, bi := range raw {
		modified := bi.ModifiedAt()
		if modified.After(highWater) {
			highWater = modified
		}
		if opts.ModifiedSince != nil && !modified.After(*opts.ModifiedSince) {
			continue
		}
		out = append(out, toTrackerIssue(project, bi))
	}
	cursor := ""
	if !highWater.IsZero() {
		cursor = highWater.UTC().Format(time.RFC3339)
	}
	return out, cursor, nil
}

// GetIssueInProject finds one issue by id in the project's JSONL. The tombstone row,
// if present, is returned with Deleted set so callers can observe deletion.
func (a *Adapter) GetIssueInProject(ctx context.Context, project, id string) (*tracker.Issue, error) {
	path, ok := a.repos[project]
	if !ok {
		return nil, syncerr.Newf(syncerr.NotFound, "no beads repo configured for project %s", project)
	}
	all, err := ReadAllIssues(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read beads issues for %s: %w", project, err)
	}
	for _, bi := range all {
		if bi.ID == id {
			issue := toTrackerIssue(project, bi)
			if bi.Status == "tombstone" {
				issue.Deleted = true
			}
			return &issue, nil
		}
	}
	return nil, syncerr.Newf(syncerr.NotFound, "beads issue %s not found in %s", id, project)
}

// GetIssue searches all configured repositories for an issue id.
func (a *Adapter) GetIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	for project := range a.repos {
		issue, err := a.GetIssueInProject(ctx, project, id)
		if err == nil {
			return issue, nil
		}
		if !syncerr.Is(err, syncerr.NotFound) {
			return nil, err
		}
	}
	return nil, syncerr.Newf(syncerr.NotFound, "beads issue %s not found in any repo", id)
}

// CreateIssue creates an issue through the CLI. A Conflict from bd is
// resolved by re-reading the JSONL for a title match.
func (a *Adapter) CreateIssue(ctx context.Context, project string, f tracker.Fields) (*tracker.Issue, error) {
	cli, err := a.cliFor(project)
	if err != nil {
		return nil, err
	}
	title := ""
	if f.Title != nil {
		title = *f.Title
	}
	description := ""
	if f.Description != nil {
		description = *f.Description
	}
	status := "open"
	if f.Status != nil {
		status = *f.Status
	}
	priority := 2
	if f.Priority != nil {
		if p, perr := strconv.Atoi(*f.Priority); perr == nil {
			priority = p
		}
	}

	id, err := cli.Create(ctx, title, description, status, priority, f.Labels)
	if err != nil {
		if syncerr.Is(err, syncerr.Conflict) {
			if found := a.findByTitle(project, title); found != nil {
				return found, nil
			}
		}
		return nil, err
	}

	issue := tracker.Issue{
		ID:          id,
		Identifier:  id,
		Project:     project,
		Title:       title,
		Description: description,
		Status:      status,
		Priority:    strconv.Itoa(priority),
		Labels:      f.Labels,
		ModifiedAt:  time.Now().UTC(),
	}
	if f.ParentID != nil && *f.ParentID != "" {
		if err := cli.AddParentDep(ctx, id, *f.ParentID); err != nil {
			return nil, fmt.Errorf("failed to link parent for %s: %w", id, err)
		}
		issue.ParentID = *f.ParentID
	}
	return &issue, nil
}

// UpdateIssue patches an issue through the CLI.
func (a *Adapter) UpdateIssue(ctx context.Context, id string, f tracker.Fields) (*tracker.Issue, error) {
	project, err := a.projectOf(id)
	if err != nil {
		return nil, err
	}
	cli, err := a.cliFor(project)
	if err != nil {
		return nil, err
	}

	var priority *int
	if f.Priority != nil {
		if p, perr := strconv.Atoi(*f.Priority); perr == nil {
			priority = &p
		}
	}
	if err := cli.Update(ctx, id, f.Title, f.Description, f.Status, priority, f.Labels); err != nil {
		return nil, err
	}
	if f.ParentID != nil && *f.ParentID != "" {
		if err := cli.AddParentDep(ctx, id, *f.ParentID); err != nil {
			return nil, fmt.Errorf("failed to link parent for %s: %w", id, err)
		}
	}
	return a.GetIssueInProject(ctx, project, id)
}

// DeleteIssue tombstones an issue through the CLI.
func (a *Adapter) DeleteIssue(ctx context.Context, id string) error {
	project, err := a.projectOf(id)
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			return nil // already gone everywhere
		}
		return err
	}
	cli, err := a.cliFor(project)
	if err != nil {
		return err
	}
	return cli.Delete(ctx, id)
}

// ParentOf resolves an issue's parent via bd dep tree.
func (a *Adapter) ParentOf(ctx context.Context, project, id string) (string, error) {
	cli, err := a.cliFor(project)
	if err != nil {
		return "", err
	}
	tree, err := cli.Tree(ctx, id)
	if err != nil {
		if syncerr.Is(err, syncerr.NotFound) {
			return "", nil
		}
		return "", err
	}
	// dep tree roots at the queried issue; a parent-child dependency shows
	// the parent as the single child node of the root.
	if len(tree.Children) > 0 {
		return tree.Children[0].ID, nil
	}
	return "", nil
}

// projectOf locates which configured repo contains the issue id.
func (a *Adapter) projectOf(id string) (string, error) {
	for project, path := range a.repos {
		all, err := ReadAllIssues(path)
		if err != nil {
			continue
		}
		for _, bi := range all {
			if bi.ID == id {
				return project, nil
			}
		}
	}
	return "", syncerr.Newf(syncerr.NotFound, "beads issue %s not found in any repo", id)
}

func (a *Adapter) findByTitle(project, title string) *tracker.Issue {
	path := a.repos[project]
	raw, err := ReadIssues(path)
	if err != nil {
		return nil
	}
	for _, bi := range raw {
		if bi.Title == title {
			issue := toTrackerIssue(project, bi)
			return &issue
		}
	}
	return nil
}

func toTrackerIssue(project string, bi *Issue) tracker.Issue {
	return tracker.Issue{
		ID:          bi.ID,
		Identifier:  bi.ID,
		Project:     project,
		Title:       bi.Title,
		Description: bi.Description,
		Status:      bi.Status,
		Priority:    strconv.Itoa(bi.Priority),
		ParentID:    bi.Parent,
		Labels:      bi.Labels,
		ModifiedAt:  bi.ModifiedAt(),
	}
}

var _ tracker.Tracker = (*Adapter)(nil)
