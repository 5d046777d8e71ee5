// Package huly implements the Tracker interface over the Huly HTTP API.
package huly

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/mapping"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
)

// Client talks to a Huly server.
type Client struct {
	http *tracker.HTTPClient
}

// New creates a Huly client.
func New(opts tracker.HTTPOptions) *Client {
	return &Client{http: tracker.NewHTTPClient(opts)}
}

func (c *Client) Name() string { return "huly" }

// HealthCheck probes the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.http.DoJSON(ctx, "GET", "/api/health", nil, nil)
}

// apiProject is the wire shape of a Huly project.
type apiProject struct {
	ID          string `json:"_id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Issues      int    `json:"issues"`
	ModifiedOn  int64  `json:"modifiedOn"` // epoch millis
}

func (p *apiProject) toProject() tracker.Project {
	return tracker.Project{
		ID:          p.ID,
		Identifier:  p.Identifier,
		Name:        p.Name,
		Description: p.Description,
		IssueCount:  p.Issues,
		ModifiedAt:  time.UnixMilli(p.ModifiedOn).UTC(),
	}
}

// apiIssue is the wire shape of a Huly issue.
type apiIssue struct {
	ID          string `json:"_id"`
	Identifier  string `json:"identifier"`
	Project     string `json:"project"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	ParentIssue string `json:"parentIssue,omitempty"`
	ModifiedOn  int64  `json:"modifiedOn"`
	Removed     bool   `json:"removed,omitempty"`
}

func (i *apiIssue) toIssue() tracker.Issue {
	return tracker.Issue{
		ID:          i.ID,
		Identifier:  i.Identifier,
		Project:     i.Project,
		Title:       i.Title,
		Description: i.Description,
		Status:      i.Status,
		Priority:    i.Priority,
		ParentID:    i.ParentIssue,
		ModifiedAt:  time.UnixMilli(i.ModifiedOn).UTC(),
		Deleted:     i.Removed,
	}
}

// issuePage is the paged listing envelope. Cursor-based listing is used
// when the server supports it; older servers return cursor="" and the
// client falls back to modifiedSince filtering.
type issuePage struct {
	Issues []apiIssue `json:"issues"`
	Cursor string     `json:"cursor,omitempty"`
}

// ListProjects lists all projects.
func (c *Client) ListProjects(ctx context.Context) ([]tracker.Project, error) {
	var resp struct {
		Projects []apiProject `json:"projects"`
	}
	if err := c.http.DoJSON(ctx, "GET", "/api/projects", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list huly projects: %w", err)
	}
	out := make([]tracker.Project, 0, len(resp.Projects))
	for i := range resp.Projects {
		out = append(out, resp.Projects[i].toProject())
	}
	return out, nil
}

// GetProject fetches one project by identifier.
func (c *Client) GetProject(ctx context.Context, id string) (*tracker.Project, error) {
	var p apiProject
	if err := c.http.DoJSON(ctx, "GET", "/api/projects/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, fmt.Errorf("failed to get huly project %s: %w", id, err)
	}
	out := p.toProject()
	return &out, nil
}

// ListIssues lists a project's issues since the given cursor. The returned
// cursor is the server's next-page token, or a modifiedOn high-water mark on
// servers without cursor support.
func (c *Client) ListIssues(ctx context.Context, project string, opts tracker.ListOptions) ([]tracker.Issue, string, error) {
	q := url.Values{}
	if opts.SinceCursor != "" {
		q.Set("cursor", opts.SinceCursor)
	} else if opts.ModifiedSince != nil {
		q.Set("modifiedSince", strconv.FormatInt(opts.ModifiedSince.UnixMilli(), 10))
	}
	path := "/api/projects/" + url.PathEscape(project) + "/issues"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page issuePage
	if err := c.http.DoJSON(ctx, "GET", path, nil, &page); err != nil {
		return nil, "", fmt.Errorf("failed to list huly issues for %s: %w", project, err)
	}

	issues := make([]tracker.Issue, 0, len(page.Issues))
	var highWater int64
	for i := range page.Issues {
		issues = append(issues, page.Issues[i].toIssue())
		if page.Issues[i].ModifiedOn > highWater {
			highWater = page.Issues[i].ModifiedOn
		}
	}
	cursor := page.Cursor
	if cursor == "" && highWater > 0 {
		cursor = strconv.FormatInt(highWater, 10)
	}
	return issues, cursor, nil
}

// GetIssue fetches one issue by identifier.
func (c *Client) GetIssue(ctx context.Context, id string) (*tracker.Issue, error) {
	var i apiIssue
	if err := c.http.DoJSON(ctx, "GET", "/api/issues/"+url.PathEscape(id), nil, &i); err != nil {
		return nil, fmt.Errorf("failed to get huly issue %s: %w", id, err)
	}
	out := i.toIssue()
	return &out, nil
}

// createRequest is the mutation payload; nil fields are omitted.
type createRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	ParentIssue *string `json:"parentIssue,omitempty"`
}

func toRequest(f tracker.Fields) createRequest {
	return createRequest{
		Title:       f.Title,
		Description: f.Description,
		Status:      f.Status,
		Priority:    f.Priority,
		ParentIssue: f.ParentID,
	}
}

// CreateIssue creates an issue in a project. A 409 ("already exists") is
// resolved by a title re-read and treated as success.
func (c *Client) CreateIssue(ctx context.Context, project string, f tracker.Fields) (*tracker.Issue, error) {
	var created apiIssue
	err := c.http.DoJSON(ctx, "POST",
		"/api/projects/"+url.PathEscape(project)+"/issues", toRequest(f), &created)
	if err != nil {
		if syncerr.Is(err, syncerr.Conflict) && f.Title != nil {
			return c.findByTitle(ctx, project, *f.Title)
		}
		return nil, fmt.Errorf("failed to create huly issue: %w", err)
	}
	out := created.toIssue()
	return &out, nil
}

// CreateSubIssue creates a child issue under a parent.
func (c *Client) CreateSubIssue(ctx context.Context, parentID string, f tracker.Fields) (*tracker.Issue, error) {
	var created apiIssue
	err := c.http.DoJSON(ctx, "POST",
		"/api/issues/"+url.PathEscape(parentID)+"/subissues", toRequest(f), &created)
	if err != nil {
		return nil, fmt.Errorf("failed to create huly sub-issue under %s: %w", parentID, err)
	}
	out := created.toIssue()
	return &out, nil
}

// UpdateIssue patches an issue's fields.
func (c *Client) UpdateIssue(ctx context.Context, id string, f tracker.Fields) (*tracker.Issue, error) {
	var updated apiIssue
	err := c.http.DoJSON(ctx, "PATCH", "/api/issues/"+url.PathEscape(id), toRequest(f), &updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update huly issue %s: %w", id, err)
	}
	out := updated.toIssue()
	return &out, nil
}

// DeleteIssue deletes an issue. NotFound counts as success (already gone).
func (c *Client) DeleteIssue(ctx context.Context, id string) error {
	err := c.http.DoJSON(ctx, "DELETE", "/api/issues/"+url.PathEscape(id), nil, nil)
	if err != nil && !syncerr.Is(err, syncerr.NotFound) {
		return fmt.Errorf("failed to delete huly issue %s: %w", id, err)
	}
	return nil
}

// findByTitle resolves a create conflict by locating the existing issue
// with the same normalized title.
func (c *Client) findByTitle(ctx context.Context, project, title string) (*tracker.Issue, error) {
	issues, _, err := c.ListIssues(ctx, project, tracker.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve create conflict: %w", err)
	}
	want := mapping.NormalizeTitle(title)
	for i := range issues {
		if mapping.NormalizeTitle(issues[i].Title) == want {
			return &issues[i], nil
		}
	}
	return nil, syncerr.Newf(syncerr.Conflict, "huly reported %q exists in %s but it was not found on re-read", title, project)
}

var _ tracker.Tracker = (*Client)(nil)
var _ tracker.SubIssueCreator = (*Client)(nil)
