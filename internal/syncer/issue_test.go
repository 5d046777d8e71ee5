package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

func seedProject(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.store.UpsertProject(context.Background(), &types.Project{
		Identifier: "PROJ", HulyID: "hp1", VibeID: "board1", RepoPath: "/srv/proj",
	}))
}

func TestCreateInHulyPropagatesToVibeAndBeads(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	h.huly.put(tracker.Issue{
		ID: "h42", Identifier: "PROJ-42", Project: "PROJ",
		Title: "Add retry", Description: "",
		Status: "Backlog", Priority: "Medium",
		ModifiedAt: time.Now().UTC(),
	})

	state := h.runWorkflow(t, SingleIssueID(types.SourceHuly, "PROJ-42"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceHuly, EntityRef: "h42", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	// Vibe task created with the reference tag, translated status/priority.
	require.Len(t, h.vibe.created, 1)
	vibeTask := h.vibe.created[0]
	assert.Equal(t, "Add retry", vibeTask.Title)
	assert.Equal(t, "todo", vibeTask.Status)
	assert.Equal(t, "medium", vibeTask.Priority)
	assert.Contains(t, vibeTask.Description, "Huly Issue: PROJ-42")

	// Beads issue created open/priority 2.
	require.Len(t, h.beads.created, 1)
	beadsIssue := h.beads.created[0]
	assert.Equal(t, "Add retry", beadsIssue.Title)
	assert.Equal(t, "open", beadsIssue.Status)
	assert.Equal(t, "2", beadsIssue.Priority)

	// Mapping row persists all three ids.
	row, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-42")
	require.NoError(t, err)
	assert.Equal(t, "h42", row.HulyID)
	assert.NotEmpty(t, row.VibeID)
	assert.NotEmpty(t, row.BeadsID)
	assert.Equal(t, types.HashIssue(row), row.ContentHash)
	assert.Equal(t, row.ContentHash, row.HulyContentHash)
	assert.NotNil(t, row.LastSyncAt)
}

func TestConcurrentEditsVibeNewerWins(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	base := time.Now().UTC().Truncate(time.Second)
	newer := base.Add(time.Second)

	h.huly.put(tracker.Issue{
		ID: "h1", Identifier: "PROJ-1", Project: "PROJ",
		Title: "Ship it", Status: "In Progress", Priority: "Medium", ModifiedAt: base,
	})
	h.vibe.put(tracker.Issue{
		ID: "v1", Project: "board1",
		Title: "Ship it", Status: "done", Priority: "medium", ModifiedAt: newer,
	})
	h.beads.put(tracker.Issue{
		ID: "b1", Project: "PROJ",
		Title: "Ship it", Status: "open", Priority: "2", ModifiedAt: base,
	})

	require.NoError(t, h.store.UpsertIssue(context.Background(), &types.Issue{
		Identifier: "PROJ-1", ProjectIdentifier: "PROJ",
		HulyID: "h1", VibeID: "v1", BeadsID: "b1",
		Title: "Ship it", Status: types.StatusInProgress, Priority: types.PriorityMedium,
		HulyModifiedAt: &base, VibeModifiedAt: &base, BeadsModifiedAt: &base,
	}))

	state := h.runWorkflow(t, SingleIssueID(types.SourceVibe, "v1"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceVibe, EntityRef: "v1", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	// Huly updated to Done.
	require.Len(t, h.huly.updated["h1"], 1)
	assert.Equal(t, "Done", *h.huly.updated["h1"][0].Status)
	// Beads closed.
	require.Len(t, h.beads.updated["b1"], 1)
	assert.Equal(t, "closed", *h.beads.updated["b1"][0].Status)
	// Vibe not mutated.
	assert.Zero(t, len(h.vibe.updated))
	assert.Zero(t, len(h.vibe.created))

	row, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, row.Status)
	assert.Equal(t, row.ContentHash, row.HulyContentHash)
}

func TestBeadsTombstoneSoftDeletes(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	h.beads.put(tracker.Issue{
		ID: "b17", Project: "PROJ", Title: "Old", Status: "tombstone", Deleted: true,
	})
	require.NoError(t, h.store.UpsertIssue(context.Background(), &types.Issue{
		Identifier: "PROJ-17", ProjectIdentifier: "PROJ",
		HulyID: "h17", VibeID: "v17", BeadsID: "b17",
		Title: "Old", Status: types.StatusBacklog, Priority: types.PriorityMedium,
	}))

	state := h.runWorkflow(t, SingleIssueID(types.SourceBeads, "b17"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceBeads, EntityRef: "b17", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	row, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-17")
	require.NoError(t, err)
	assert.True(t, row.DeletedFromBeads)
	assert.False(t, row.DeletedFromHuly)

	// No mutation reached Huly or Vibe.
	assert.Zero(t, h.huly.mutationCount())
	assert.Zero(t, h.vibe.mutationCount())
}

func TestContentHashShortCircuit(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	modified := time.Now().UTC().Truncate(time.Second)
	h.huly.put(tracker.Issue{
		ID: "h5", Identifier: "PROJ-5", Project: "PROJ",
		Title: "Stable", Description: "same as ever",
		Status: "Todo", Priority: "Low", ModifiedAt: modified,
	})
	row := &types.Issue{
		Identifier: "PROJ-5", ProjectIdentifier: "PROJ",
		HulyID: "h5", VibeID: "v5", BeadsID: "b5",
		Title: "Stable", Description: "same as ever",
		Status: types.StatusTodo, Priority: types.PriorityLow,
		HulyModifiedAt: &modified,
	}
	require.NoError(t, h.store.UpsertIssue(context.Background(), row))

	before, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-5")
	require.NoError(t, err)
	assert.Nil(t, before.LastSyncAt)

	state := h.runWorkflow(t, SingleIssueID(types.SourceHuly, "PROJ-5"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceHuly, EntityRef: "h5", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	// Zero tracker mutations, but lastSyncAt still refreshed.
	assert.Zero(t, h.huly.mutationCount())
	assert.Zero(t, h.vibe.mutationCount())
	assert.Zero(t, h.beads.mutationCount())

	after, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-5")
	require.NoError(t, err)
	assert.NotNil(t, after.LastSyncAt)
}

func TestSingleIssueSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	h.huly.put(tracker.Issue{
		ID: "h42", Identifier: "PROJ-42", Project: "PROJ",
		Title: "Add retry", Status: "Backlog", Priority: "Medium",
		ModifiedAt: time.Now().UTC(),
	})

	args := SingleIssueArgs{Source: types.SourceHuly, EntityRef: "h42", Project: "PROJ"}
	state := h.runWorkflow(t, "first-pass", KindSingleIssueSync, args)
	require.Equal(t, store.TaskDone, state)
	mutationsAfterFirst := h.vibe.mutationCount() + h.beads.mutationCount() + h.huly.mutationCount()

	state = h.runWorkflow(t, "second-pass", KindSingleIssueSync, args)
	require.Equal(t, store.TaskDone, state)

	// Applying the sync twice with no external change issues zero further
	// tracker mutations.
	assert.Equal(t, mutationsAfterFirst,
		h.vibe.mutationCount()+h.beads.mutationCount()+h.huly.mutationCount())
}

func TestBeadsOriginCreatesHulyAndRebinds(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	h.beads.put(tracker.Issue{
		ID: "b9", Project: "PROJ", Title: "From beads",
		Status: "open", Priority: "1", ModifiedAt: time.Now().UTC(),
	})

	state := h.runWorkflow(t, SingleIssueID(types.SourceBeads, "b9"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceBeads, EntityRef: "b9", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	// A Huly counterpart was created and the row carries its identifier.
	require.Len(t, h.huly.created, 1)
	hulyIdentifier := h.huly.created[0].Identifier
	assert.True(t, strings.HasPrefix(hulyIdentifier, "PROJ-"))

	row, err := h.store.GetIssue(context.Background(), "PROJ", hulyIdentifier)
	require.NoError(t, err)
	assert.Equal(t, "b9", row.BeadsID)
	assert.Equal(t, types.PriorityHigh, row.Priority)
	// The Huly description carries the beads reference tag.
	assert.Contains(t, h.huly.created[0].Description, "Beads Issue: b9")
}

func TestUnmappedDeletionIsANoOp(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)
	h.huly.fetchES = syncerr.Newf(syncerr.NotFound, "gone")

	state := h.runWorkflow(t, SingleIssueID(types.SourceHuly, "PROJ-404"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceHuly, EntityRef: "h404", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)
	assert.Zero(t, h.vibe.mutationCount())
}

func TestHulyDeletionSoftByDefault(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h)

	require.NoError(t, h.store.UpsertIssue(context.Background(), &types.Issue{
		Identifier: "PROJ-8", ProjectIdentifier: "PROJ",
		HulyID: "h8", VibeID: "v8", BeadsID: "b8",
		Title: "Doomed", Status: types.StatusTodo, Priority: types.PriorityMedium,
	}))
	h.huly.fetchES = syncerr.Newf(syncerr.NotFound, "gone")

	state := h.runWorkflow(t, SingleIssueID(types.SourceHuly, "PROJ-8"),
		KindSingleIssueSync, SingleIssueArgs{
			Source: types.SourceHuly, EntityRef: "h8", Project: "PROJ",
		})
	require.Equal(t, store.TaskDone, state)

	row, err := h.store.GetIssue(context.Background(), "PROJ", "PROJ-8")
	require.NoError(t, err)
	assert.True(t, row.DeletedFromHuly)
	// Soft policy: counterparts untouched.
	assert.Empty(t, h.vibe.deleted)
	assert.Empty(t, h.beads.deleted)
}
