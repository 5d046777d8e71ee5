package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIssue(project, id string) *types.Issue {
	return &types.Issue{
		Identifier:        id,
		ProjectIdentifier: project,
		Title:             "Issue " + id,
		Description:       "desc",
		Status:            types.StatusBacklog,
		Priority:          types.PriorityMedium,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertProject(context.Background(), &types.Project{Identifier: "PROJ"}))
	require.NoError(t, s1.Close())

	// Re-open applies migrations again without damage.
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	p, err := s2.GetProject(context.Background(), "PROJ")
	require.NoError(t, err)
	assert.Equal(t, "PROJ", p.Identifier)
}

func TestUpsertProjectCopyOnWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "PROJ", HulyID: "h1", VibeID: "v1", RepoPath: "/srv/proj",
	}))
	// Second upsert with empty ids must not clobber the stored ones.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "PROJ", IssueCount: 7,
	}))

	p, err := s.GetProject(ctx, "PROJ")
	require.NoError(t, err)
	assert.Equal(t, "h1", p.HulyID)
	assert.Equal(t, "v1", p.VibeID)
	assert.Equal(t, "/srv/proj", p.RepoPath)
	assert.Equal(t, 7, p.IssueCount)
}

func TestGetProjectNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetProject(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, syncerr.NotFound, syncerr.KindOf(err))
}

func TestResolveProjectIdentifier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "PROJ", RepoPath: "/home/dev/Projects/widget-factory",
	}))

	tests := []struct {
		in   string
		want string
	}{
		{"PROJ", "PROJ"},
		{"proj", "PROJ"},
		{"/home/dev/Projects/widget-factory", "PROJ"},
		{"widget-factory", "PROJ"},
		{"Widget-Factory", "PROJ"},
		{"unrelated", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := s.ResolveProjectIdentifier(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetProjectsToSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-time.Hour)

	// Has issues: always returned.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "BUSY", IssueCount: 3, LastCheckedAt: &now, DescriptionHash: "d1",
	}))
	// Empty, fresh check, unchanged hash: skipped.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "IDLE", LastCheckedAt: &now, DescriptionHash: "d2",
	}))
	// Empty but description changed: returned.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "DESC", LastCheckedAt: &now, DescriptionHash: "d3",
	}))
	// Empty, stale check: returned.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "STALE", LastCheckedAt: &old, DescriptionHash: "d4",
	}))

	got, err := s.GetProjectsToSync(ctx, 30*time.Minute, map[string]string{
		"BUSY": "d1", "IDLE": "d2", "DESC": "changed", "STALE": "d4",
	})
	require.NoError(t, err)

	var ids []string
	for _, p := range got {
		ids = append(ids, p.Identifier)
	}
	assert.ElementsMatch(t, []string{"BUSY", "DESC", "STALE"}, ids)
}

func TestAdvanceSyncCursorMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProject(ctx, &types.Project{Identifier: "PROJ"}))

	require.NoError(t, s.AdvanceSyncCursor(ctx, "PROJ", "100", time.Now()))
	require.NoError(t, s.AdvanceSyncCursor(ctx, "PROJ", "200", time.Now()))
	// A stale cursor write must not move the cursor backwards.
	require.NoError(t, s.AdvanceSyncCursor(ctx, "PROJ", "150", time.Now()))

	p, err := s.GetProject(ctx, "PROJ")
	require.NoError(t, err)
	assert.Equal(t, "200", p.SyncCursor)
}

func TestRecordMissingProjectsArchivesAfterTwoSweeps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProject(ctx, &types.Project{Identifier: "GONE"}))
	require.NoError(t, s.UpsertProject(ctx, &types.Project{Identifier: "HERE"}))

	archived, err := s.RecordMissingProjects(ctx, map[string]bool{"HERE": true})
	require.NoError(t, err)
	assert.Empty(t, archived)

	archived, err = s.RecordMissingProjects(ctx, map[string]bool{"HERE": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"GONE"}, archived)

	p, err := s.GetProject(ctx, "GONE")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectArchived, p.Status)

	p, err = s.GetProject(ctx, "HERE")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectActive, p.Status)
}
