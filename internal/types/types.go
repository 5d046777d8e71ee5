// Package types defines the core data model shared by the sync engine:
// projects, issue mappings, change events, and sync run records.
package types

import (
	"fmt"
	"time"
)

// Status is the canonical issue status. Huly's status vocabulary is used as
// the canonical form; Vibe and Beads statuses are translated through the
// mapping tables in internal/mapping.
type Status string

const (
	StatusBacklog    Status = "Backlog"
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusInReview   Status = "In Review"
	StatusDone       Status = "Done"
	StatusCancelled  Status = "Cancelled"
)

// ValidStatuses returns all canonical statuses.
func ValidStatuses() []Status {
	return []Status{
		StatusBacklog, StatusTodo, StatusInProgress,
		StatusInReview, StatusDone, StatusCancelled,
	}
}

// IsValid reports whether s is a canonical status.
func (s Status) IsValid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Priority is the canonical five-level issue priority.
type Priority string

const (
	PriorityNone   Priority = "No priority"
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// IsValid reports whether p is a canonical priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ProjectStatus tracks whether a project is still seen in Huly.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is the mapping store's record of a Huly project and its
// counterparts. A row is created on first Huly sighting and never destroyed;
// projects absent for two scheduled sweeps are archived instead.
type Project struct {
	Identifier      string        `json:"identifier"`
	HulyID          string        `json:"huly_id,omitempty"`
	VibeID          string        `json:"vibe_id,omitempty"`
	RepoPath        string        `json:"repo_path,omitempty"`
	GitURL          string        `json:"git_url,omitempty"`
	IssueCount      int           `json:"issue_count"`
	LastCheckedAt   *time.Time    `json:"last_checked_at,omitempty"`
	LastSyncAt      *time.Time    `json:"last_sync_at,omitempty"`
	SyncCursor      string        `json:"sync_cursor,omitempty"`
	DescriptionHash string        `json:"description_hash,omitempty"`
	MissedSweeps    int           `json:"missed_sweeps"`
	Status          ProjectStatus `json:"status"`
}

// Issue is the mapping store's record of a single logical issue across the
// three trackers. It is keyed by the Huly-style identifier (PROJ-NNN) when
// Huly is the origin; otherwise by a synthetic identifier that is rebound
// once the Huly counterpart exists.
type Issue struct {
	Identifier        string `json:"identifier"`
	ProjectIdentifier string `json:"project_identifier"`

	HulyID  string `json:"huly_id,omitempty"`
	VibeID  string `json:"vibe_id,omitempty"`
	BeadsID string `json:"beads_id,omitempty"`

	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	ParentIdentifier string `json:"parent_identifier,omitempty"`
	ParentBeadsID    string `json:"parent_beads_id,omitempty"`
	SubIssueCount    int    `json:"sub_issue_count"`

	HulyModifiedAt  *time.Time `json:"huly_modified_at,omitempty"`
	VibeModifiedAt  *time.Time `json:"vibe_modified_at,omitempty"`
	BeadsModifiedAt *time.Time `json:"beads_modified_at,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`

	ContentHash      string `json:"content_hash"`
	HulyContentHash  string `json:"huly_content_hash,omitempty"`
	BeadsContentHash string `json:"beads_content_hash,omitempty"`

	DeletedFromHuly  bool `json:"deleted_from_huly"`
	DeletedFromBeads bool `json:"deleted_from_beads"`
}

// Validate checks structural invariants on the mapping row.
func (i *Issue) Validate() error {
	if i.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if i.ProjectIdentifier == "" {
		return fmt.Errorf("project identifier is required")
	}
	if i.Title == "" {
		return fmt.Errorf("title is required")
	}
	if i.Status != "" && !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if i.Priority != "" && !i.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", i.Priority)
	}
	if i.ParentIdentifier == i.Identifier && i.Identifier != "" {
		return fmt.Errorf("issue cannot be its own parent")
	}
	return nil
}

// ModifiedAt returns the stored modification timestamp for the given source,
// or nil if the source has never reported one.
func (i *Issue) ModifiedAt(source Source) *time.Time {
	switch source {
	case SourceHuly:
		return i.HulyModifiedAt
	case SourceVibe:
		return i.VibeModifiedAt
	case SourceBeads:
		return i.BeadsModifiedAt
	}
	return nil
}

// SyncRun records one orchestration pass for the sync_history table.
type SyncRun struct {
	ID                int64      `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ProjectsProcessed int        `json:"projects_processed"`
	ProjectsFailed    int        `json:"projects_failed"`
	IssuesSynced      int        `json:"issues_synced"`
	Errors            []string   `json:"errors,omitempty"`
	DurationMs        int64      `json:"duration_ms"`
}

// ProjectFile is an auxiliary record linking a project to a repo-local file
// (e.g. the agent settings file). Contents are opaque to the engine.
type ProjectFile struct {
	ProjectIdentifier string    `json:"project_identifier"`
	Path              string    `json:"path"`
	Kind              string    `json:"kind"`
	UpdatedAt         time.Time `json:"updated_at"`
}
