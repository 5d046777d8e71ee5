// Package tracker defines the uniform capability set every tracker client
// implements, plus the shared HTTP plumbing (connection pool, token bucket,
// inter-call pacing) the HTTP-backed clients build on.
package tracker

import (
	"context"
	"time"
)

// Project is a tracker-side project as reported by the tracker.
type Project struct {
	ID          string
	Identifier  string
	Name        string
	Description string
	IssueCount  int
	ModifiedAt  time.Time
}

// Issue is a tracker-side issue in the tracker's own vocabulary. Status and
// Priority are native strings; translation to the canonical form happens in
// internal/mapping at the workflow layer.
type Issue struct {
	ID          string
	Identifier  string
	Project     string
	Title       string
	Description string
	Status      string
	Priority    string
	ParentID    string
	Labels      []string
	ModifiedAt  time.Time
	Deleted     bool
}

// Fields is a partial update: nil members are left untouched by the tracker.
type Fields struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	ParentID    *string
	Labels      []string
}

// ListOptions narrows an issue listing. SinceCursor is the tracker-opaque
// incremental cursor; ModifiedSince is the fallback for trackers without
// cursor support.
type ListOptions struct {
	SinceCursor   string
	ModifiedSince *time.Time
}

// Tracker is the uniform capability set. Every operation is best-effort
// idempotent: CreateIssue answering "already exists" is treated as success
// and resolved by a re-read.
type Tracker interface {
	Name() string
	HealthCheck(ctx context.Context) error
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	// ListIssues returns the issues plus the next cursor to persist.
	ListIssues(ctx context.Context, project string, opts ListOptions) ([]Issue, string, error)
	GetIssue(ctx context.Context, id string) (*Issue, error)
	CreateIssue(ctx context.Context, project string, f Fields) (*Issue, error)
	UpdateIssue(ctx context.Context, id string, f Fields) (*Issue, error)
	DeleteIssue(ctx context.Context, id string) error
}

// SubIssueCreator is implemented by trackers that support native sub-issues.
type SubIssueCreator interface {
	CreateSubIssue(ctx context.Context, parentID string, f Fields) (*Issue, error)
}

// String returns a pointer to s, for building Fields literals.
func String(s string) *string { return &s }
