package beads

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
)

func writeJSONL(t *testing.T, repo string, lines ...string) {
	t.Helper()
	dir := filepath.Join(repo, ".beads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, JSONLName), []byte(content), 0o644))
}

func TestReadIssuesFiltersTombstones(t *testing.T) {
	repo := t.TempDir()
	writeJSONL(t, repo,
		`{"id":"hv-1","title":"Live","status":"open","priority":2,"updated_at":"2026-08-01T10:00:00Z"}`,
		``,
		`{"id":"hv-2","title":"Dead","status":"tombstone","priority":2,"updated_at":"2026-08-01T11:00:00Z"}`,
		`{"id":"hv-3","title":"Closed","status":"closed","priority":1,"labels":["cancelled"],"updated_at":"2026-08-01T12:00:00Z"}`,
	)

	issues, err := ReadIssues(repo)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "hv-1", issues[0].ID)
	assert.Equal(t, "hv-3", issues[1].ID)
	assert.Equal(t, []string{"cancelled"}, issues[1].Labels)
}

func TestReadIssuesMalformedLineFails(t *testing.T) {
	repo := t.TempDir()
	writeJSONL(t, repo,
		`{"id":"hv-1","title":"Live","status":"open"}`,
		`{not json`,
	)
	_, err := ReadIssues(repo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadAllIssuesIncludesTombstones(t *testing.T) {
	repo := t.TempDir()
	writeJSONL(t, repo,
		`{"id":"hv-1","title":"Live","status":"open"}`,
		`{"id":"hv-2","title":"Dead","status":"tombstone"}`,
	)
	issues, err := ReadAllIssues(repo)
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestIssueModifiedAt(t *testing.T) {
	i := &Issue{UpdatedAt: "2026-08-01T10:30:00Z"}
	assert.Equal(t, time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), i.ModifiedAt())
	assert.True(t, (&Issue{}).ModifiedAt().IsZero())
	assert.True(t, (&Issue{UpdatedAt: "not-a-time"}).ModifiedAt().IsZero())
}

func TestAdapterListIssues(t *testing.T) {
	repo := t.TempDir()
	writeJSONL(t, repo,
		`{"id":"hv-1","title":"Old","status":"open","priority":2,"updated_at":"2026-08-01T10:00:00Z"}`,
		`{"id":"hv-2","title":"New","status":"open","priority":1,"updated_at":"2026-08-01T12:00:00Z"}`,
	)
	a := NewAdapter("bd", map[string]string{"PROJ": repo})

	issues, cursor, err := a.ListIssues(context.Background(), "PROJ", tracker.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
	assert.Equal(t, "2026-08-01T12:00:00Z", cursor)

	since := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	issues, _, err = a.ListIssues(context.Background(), "PROJ", tracker.ListOptions{ModifiedSince: &since})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "hv-2", issues[0].ID)
}

func TestAdapterListIssuesMissingFile(t *testing.T) {
	a := NewAdapter("bd", map[string]string{"PROJ": t.TempDir()})
	issues, cursor, err := a.ListIssues(context.Background(), "PROJ", tracker.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Empty(t, cursor)
}

func TestAdapterGetIssueSeesTombstone(t *testing.T) {
	repo := t.TempDir()
	writeJSONL(t, repo,
		`{"id":"PROJ-17","title":"Gone","status":"tombstone","updated_at":"2026-08-01T10:00:00Z"}`,
	)
	a := NewAdapter("bd", map[string]string{"PROJ": repo})

	issue, err := a.GetIssueInProject(context.Background(), "PROJ", "PROJ-17")
	require.NoError(t, err)
	assert.True(t, issue.Deleted)
}

func TestAdapterUnknownProject(t *testing.T) {
	a := NewAdapter("bd", map[string]string{})
	_, _, err := a.ListIssues(context.Background(), "NOPE", tracker.ListOptions{})
	assert.Equal(t, syncerr.NotFound, syncerr.KindOf(err))
}
