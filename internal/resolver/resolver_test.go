package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// fakeVibe serves canned listings for tag-scan tests.
type fakeVibe struct {
	tracker.Tracker
	tasks     []tracker.Issue
	listCalls int
}

func (f *fakeVibe) Name() string { return "vibe" }
func (f *fakeVibe) ListIssues(ctx context.Context, project string, opts tracker.ListOptions) ([]tracker.Issue, string, error) {
	f.listCalls++
	return f.tasks, "", nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveByStoredID(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIssue(ctx, &types.Issue{
		Identifier: "PROJ-1", ProjectIdentifier: "PROJ", Title: "One", VibeID: "t1",
	}))

	r := New(st, nil, zap.NewNop())
	cp, err := r.Resolve(ctx, "PROJ", types.SourceVibe, &tracker.Issue{ID: "t1", Title: "One"})
	require.NoError(t, err)
	require.NotNil(t, cp.Row)
	assert.Equal(t, "PROJ-1", cp.Row.Identifier)
}

func TestResolveHulyByIdentifier(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIssue(ctx, &types.Issue{
		Identifier: "PROJ-2", ProjectIdentifier: "PROJ", Title: "Two",
	}))

	r := New(st, nil, zap.NewNop())
	cp, err := r.Resolve(ctx, "PROJ", types.SourceHuly,
		&tracker.Issue{ID: "h-unseen", Identifier: "PROJ-2", Title: "Two"})
	require.NoError(t, err)
	require.NotNil(t, cp.Row)
	assert.Equal(t, "PROJ-2", cp.Row.Identifier)
}

func TestResolveByDescriptionTag(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIssue(ctx, &types.Issue{
		Identifier: "PROJ-3", ProjectIdentifier: "PROJ", Title: "Three",
	}))

	r := New(st, nil, zap.NewNop())
	cp, err := r.Resolve(ctx, "PROJ", types.SourceVibe, &tracker.Issue{
		ID: "t-new", Title: "renamed on vibe",
		Description: "work item\n\nHuly Issue: PROJ-3",
	})
	require.NoError(t, err)
	require.NotNil(t, cp.Row)
	assert.Equal(t, "PROJ-3", cp.Row.Identifier)
}

func TestResolveTagWithoutRowPinsHulyIdentity(t *testing.T) {
	st := openStore(t)
	r := New(st, nil, zap.NewNop())

	cp, err := r.Resolve(context.Background(), "PROJ", types.SourceVibe, &tracker.Issue{
		ID: "t-new", Title: "fresh", Description: "Huly Issue: PROJ-9",
	})
	require.NoError(t, err)
	assert.Nil(t, cp.Row)
	assert.Equal(t, "PROJ-9", cp.HulyID)
}

func TestResolveHulyFindsVibeByTagScan(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertProject(ctx, &types.Project{Identifier: "PROJ", VibeID: "b1"}))

	vibe := &fakeVibe{tasks: []tracker.Issue{
		{ID: "t7", Title: "whatever", Description: "Synced from Huly: PROJ-7"},
	}}
	r := New(st, vibe, zap.NewNop())

	cp, err := r.Resolve(ctx, "PROJ", types.SourceHuly,
		&tracker.Issue{ID: "h7", Identifier: "PROJ-7", Title: "Unmatched title"})
	require.NoError(t, err)
	assert.Nil(t, cp.Row)
	assert.Equal(t, "t7", cp.VibeID)

	// Second resolve reuses the cached listing.
	_, err = r.Resolve(ctx, "PROJ", types.SourceHuly,
		&tracker.Issue{ID: "h8", Identifier: "PROJ-8", Title: "Also unmatched"})
	require.NoError(t, err)
	assert.Equal(t, 1, vibe.listCalls)

	// Reset clears the cache.
	r.Reset()
	_, err = r.Resolve(ctx, "PROJ", types.SourceHuly,
		&tracker.Issue{ID: "h9", Identifier: "PROJ-9", Title: "Still unmatched"})
	require.NoError(t, err)
	assert.Equal(t, 2, vibe.listCalls)
}

func TestResolveByTitleMatch(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIssue(ctx, &types.Issue{
		Identifier: "PROJ-4", ProjectIdentifier: "PROJ", Title: "Add Retry Logic",
	}))

	r := New(st, nil, zap.NewNop())
	cp, err := r.Resolve(ctx, "PROJ", types.SourceBeads,
		&tracker.Issue{ID: "hv-1", Title: "add retry   logic"})
	require.NoError(t, err)
	require.NotNil(t, cp.Row)
	assert.Equal(t, "PROJ-4", cp.Row.Identifier)
}

func TestResolveUnknownReturnsEmpty(t *testing.T) {
	st := openStore(t)
	r := New(st, nil, zap.NewNop())

	cp, err := r.Resolve(context.Background(), "PROJ", types.SourceBeads,
		&tracker.Issue{ID: "hv-brand-new", Title: "Brand new"})
	require.NoError(t, err)
	assert.Nil(t, cp.Row)
	assert.Empty(t, cp.HulyID)
	assert.Empty(t, cp.VibeID)
}
