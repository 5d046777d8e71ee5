// Package beads adapts a per-repository Beads installation: direct JSONL
// reads for listing and a bd CLI executor for mutations. CLI concurrency is
// bounded process-wide.
package beads

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JSONLName is the export file maintained by the beads daemon.
const JSONLName = "issues.jsonl"

// Issue is the JSONL wire shape of a beads issue. Only the fields the sync
// engine consumes are declared; unknown fields are ignored.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Labels      []string `json:"labels,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
}

// ModifiedAt parses the updated_at timestamp. A missing or malformed value
// returns the zero time.
func (i *Issue) ModifiedAt() time.Time {
	if i.UpdatedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, i.UpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// JSONLPath returns the issues.jsonl path for a repository.
func JSONLPath(repoPath string) string {
	return filepath.Join(repoPath, ".beads", JSONLName)
}

// ReadIssues reads all live issues from a repository's JSONL export,
// filtering out tombstones. Blank lines are skipped; a malformed line fails
// the whole read so a half-written file is never half-trusted.
func ReadIssues(repoPath string) ([]*Issue, error) {
	path := JSONLPath(repoPath)
	// #nosec G304 - path derives from operator-configured repo roots
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close JSONL file: %v\n", err)
		}
	}()

	var issues []*Issue
	scanner := bufio.NewScanner(file)
	// Large descriptions can push single lines well past the default buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var issue Issue
		if err := json.Unmarshal([]byte(line), &issue); err != nil {
			return nil, fmt.Errorf("failed to parse issue at line %d: %w", lineNum, err)
		}
		if issue.Status == "tombstone" {
			continue
		}
		issues = append(issues, &issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan JSONL file: %w", err)
	}
	return issues, nil
}

// ReadAllIssues reads every issue including tombstones. Reconciliation uses
// this to distinguish deleted from never-seen.
func ReadAllIssues(repoPath string) ([]*Issue, error) {
	path := JSONLPath(repoPath)
	// #nosec G304 - path derives from operator-configured repo roots
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSONL file: %w", err)
	}

	var issues []*Issue
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var issue Issue
		if err := json.Unmarshal([]byte(line), &issue); err != nil {
			return nil, fmt.Errorf("failed to parse issue at line %d: %w", lineNum, err)
		}
		issues = append(issues, &issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan JSONL data: %w", err)
	}
	return issues, nil
}
