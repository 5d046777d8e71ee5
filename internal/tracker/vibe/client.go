// Package vibe implements the Tracker interface over the Vibe kanban HTTP
// API, plus the long-lived server-sent event stream the change detector
// consumes.
package vibe

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
)

// Client talks to a Vibe server. Boards map to projects and tasks to
// issues; a task's column is its status.
type Client struct {
	http *tracker.HTTPClient
}

// New creates a Vibe client.
func New(opts tracker.HTTPOptions) *Client {
	return &Client{http: tracker.NewHTTPClient(opts)}
}

func (c *Client) Name() string { return "vibe" }

// HealthCheck probes the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.http.DoJSON(ctx, "GET", "/api/health", nil, nil)
}

// apiBoard is the wire shape of a Vibe board.
type apiBoard struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TaskCount   int       `json:"taskCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (b *apiBoard) toProject() tracker.Project {
	return tracker.Project{
		ID:          b.ID,
		Identifier:  b.Name,
		Name:        b.Name,
		Description: b.Description,
		IssueCount:  b.TaskCount,
		ModifiedAt:  b.UpdatedAt.UTC(),
	}
}

// apiTask is the wire shape of a Vibe task.
type apiTask struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Column      string    `json:"column"`
	Priority    string    `json:"priority"`
	ParentID    string    `json:"parentId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Archived    bool      `json:"archived,omitempty"`
}

func (t *apiTask) toIssue() tracker.Issue {
	return tracker.Issue{
		ID:          t.ID,
		Identifier:  t.ID,
		Project:     t.BoardID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Column,
		Priority:    t.Priority,
		ParentID:    t.ParentID,
		ModifiedAt:  t.UpdatedAt.UTC(),
		Deleted:     t.Archived,
	}
}

// ListProjects lists all boards.
func (c *Client) ListProjects(ctx context.Context) ([]tracker.Project, error) {
	var resp struct {
		Boards []apiBoard `json:"boards"`
	}
	if err := c.http.DoJSON(ctx, "GET", "/api/boards", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list vibe boards: %w", err)
	}
	out := make([]tracker.Project, 0, len(resp.Boards))
	for i := range resp.Boards {
		out = append(out, resp.Boards[i].toProject())
	}
	return out, nil
}

// GetProject fetches one board.
func (c *Client) GetProject(ctx context.Context, id string) (*tracker.Project, error) {
	var b apiBoard
	if err := c.http.DoJSON(ctx, "GET", "/api/boards/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, fmt.Errorf("failed to get vibe board %s: %w", id, err)
	}
	out := b.toProject()
	return &out, nil
}

// ListIssues lists a board's tasks modified since the cursor, which for
// Vibe is an RFC3339 timestamp high-water mark.
func (c *Client) ListIssues(ctx context.Context, project string, opts tracker.ListOptions) ([]tracker.Issue, string, error) {
	q := url.Values{}
	if opts.SinceCursor != "" {
		q.Set("updatedSince", opts.SinceCursor)
	} else if opts.ModifiedSince != nil {
		q.Set("updatedSince", opts.ModifiedSince.UTC().Format(time.RFC3339))
	}
	path := "/api/boards/" + url.PathEscape(project) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []apiTask `json:"tasks"`
	}
	if err := c.http.DoJSON(ctx, "GET", path, nil, &resp); err != nil {
		return nil, "", fmt.Errorf("failed to list vibe tasks for %s: %w", project, err)
	}

	issues := make([]tracker.Issue, 0, len(resp.Tasks))
	var highWater time.Time
	for i := range resp.Tasks {
		issues = append(issues, resp.Tasks[i].toIssue())
		if resp.Tasks[i].UpdatedAt.After(highWater) {
			highWater = resp.Tasks[i].UpdatedAt
		}
	}
	cursor := ""
	if !highWater.IsZero() {
		cursor = highWater.UTC().Format(time.RFC3339)
	}
	return issues, cursor, nil
}

// GetIssue fetches one task.
func (c *Client) GetIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	var t apiTask
	if err := c.http.DoJSON(ctx, "GET", "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, fmt.Errorf("failed to get vibe task %s: %w", id, err)
	}
	out := t.toIssue()
	return &out, nil
}

// taskRequest is the mutation payload; nil fields are omitted.
type taskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Column      *string `json:"column,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	ParentID    *string `json:"parentId,omitempty"`
}

func toRequest(f tracker.Fields) taskRequest {
	return taskRequest{
		Title:       f.Title,
		Description: f.Description,
		Column:      f.Status,
		Priority:    f.Priority,
		ParentID:    f.ParentID,
	}
}

// CreateIssue creates a task on a board. A 409 is resolved by re-listing.
func (c *Client) CreateIssue(ctx context.Context, project string, f tracker.Fields) (*tracker.Issue, error) {
	var created apiTask
	err := c.http.DoJSON(ctx, "POST",
		"/api/boards/"+url.PathEscape(project)+"/tasks", toRequest(f), &created)
	if err != nil {
		if syncerr.Is(err, syncerr.Conflict) && f.Title != nil {
			return c.findByTitle(ctx, project, *f.Title)
		}
		return nil, fmt.Errorf("failed to create vibe task: %w", err)
	}
	out := created.toIssue()
	return &out, nil
}

// UpdateIssue patches a task.
func (c *Client) UpdateIssue(ctx context.Context, id string, f tracker.Fields) (*tracker.Issue, error) {
	var updated apiTask
	err := c.http.DoJSON(ctx, "PATCH", "/api/tasks/"+url.PathEscape(id), toRequest(f), &updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update vibe task %s: %w", id, err)
	}
	out := updated.toIssue()
	return &out, nil
}

// DeleteIssue deletes a task. NotFound counts as success.
func (c *Client) DeleteIssue(ctx context.Context, id string) error {
	err := c.http.DoJSON(ctx, "DELETE", "/api/tasks/"+url.PathEscape(id), nil, nil)
	if err != nil && !syncerr.Is(err, syncerr.NotFound) {
		return fmt.Errorf("failed to delete vibe task %s: %w", id, err)
	}
	return nil
}

func (c *Client) findByTitle(ctx context.Context, project, title string) (*tracker.Issue, error) {
	issues, _, err := c.ListIssues(ctx, project, tracker.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve create conflict: %w", err)
	}
	for i := range issues {
		if issues[i].Title == title {
			return &issues[i], nil
		}
	}
	return nil, syncerr.Newf(syncerr.Conflict, "vibe reported %q exists on %s but it was not found on re-read", title, project)
}

var _ tracker.Tracker = (*Client)(nil)
