package mapping

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

func TestStatusTableVibe(t *testing.T) {
	tests := []struct {
		huly types.Status
		vibe string
	}{
		{types.StatusBacklog, "todo"},
		{types.StatusTodo, "todo"},
		{types.StatusInProgress, "inprogress"},
		{types.StatusInReview, "inreview"},
		{types.StatusDone, "done"},
		{types.StatusCancelled, "done"},
	}
	for _, tt := range tests {
		t.Run(string(tt.huly), func(t *testing.T) {
			assert.Equal(t, tt.vibe, StatusToVibe(tt.huly))
		})
	}
}

func TestStatusTableBeads(t *testing.T) {
	tests := []struct {
		huly   types.Status
		status string
		labels []string
	}{
		{types.StatusBacklog, "open", nil},
		{types.StatusTodo, "open", nil},
		{types.StatusInProgress, "open", []string{"in-progress"}},
		{types.StatusInReview, "open", []string{"in-review"}},
		{types.StatusDone, "closed", nil},
		{types.StatusCancelled, "closed", []string{"cancelled"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.huly), func(t *testing.T) {
			bs := StatusToBeads(tt.huly)
			assert.Equal(t, tt.status, bs.Status)
			assert.Equal(t, tt.labels, bs.Labels)
		})
	}
}

// Round-trip law: huly -> vibe -> huly is the identity for every status that
// has a distinct Vibe representation, and huly -> beads -> huly is the
// identity for every status thanks to the label channel.
func TestStatusRoundTrips(t *testing.T) {
	for _, s := range []types.Status{types.StatusTodo, types.StatusInProgress, types.StatusInReview, types.StatusDone} {
		assert.Equal(t, s, StatusFromVibe(StatusToVibe(s)), "vibe round trip for %s", s)
	}
	for _, s := range types.ValidStatuses() {
		if s == types.StatusTodo {
			// Todo and Backlog share the beads "open" representation;
			// open without labels reads back as Backlog.
			continue
		}
		bs := StatusToBeads(s)
		assert.Equal(t, s, StatusFromBeads(bs.Status, bs.Labels), "beads round trip for %s", s)
	}
}

func TestStatusUnknownDefaults(t *testing.T) {
	assert.Equal(t, types.StatusBacklog, StatusFromVibe("mystery"))
	assert.Equal(t, types.StatusBacklog, StatusFromBeads("mystery", nil))
	assert.Equal(t, types.StatusBacklog, StatusFromHuly("mystery"))
	assert.Equal(t, "todo", StatusToVibe(types.Status("mystery")))
	assert.Equal(t, "open", StatusToBeads(types.Status("mystery")).Status)
}

func TestStatusFromHulySpellings(t *testing.T) {
	assert.Equal(t, types.StatusInProgress, StatusFromHuly("in progress"))
	assert.Equal(t, types.StatusInProgress, StatusFromHuly("InProgress"))
	assert.Equal(t, types.StatusInReview, StatusFromHuly("in_review"))
	assert.Equal(t, types.StatusDone, StatusFromHuly("done"))
}

func TestPriorityRoundTrips(t *testing.T) {
	for _, p := range []types.Priority{
		types.PriorityNone, types.PriorityLow, types.PriorityMedium,
		types.PriorityHigh, types.PriorityUrgent,
	} {
		assert.Equal(t, p, PriorityFromBeads(PriorityToBeads(p)), "beads round trip for %s", p)
		assert.Equal(t, p, PriorityFromVibe(PriorityToVibe(p)), "vibe round trip for %s", p)
	}
}

func TestPriorityScale(t *testing.T) {
	assert.Equal(t, 0, PriorityToBeads(types.PriorityUrgent))
	assert.Equal(t, 2, PriorityToBeads(types.PriorityMedium))
	assert.Equal(t, 4, PriorityToBeads(types.PriorityNone))
	assert.Equal(t, types.PriorityMedium, PriorityFromBeads(7))
	assert.Equal(t, 2, PriorityToBeads(types.Priority("weird")))
}

func TestExtractHulyRef(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"Huly Issue: PROJ-42", "PROJ-42"},
		{"some text\nHuly Issue: PROJ-42\nmore", "PROJ-42"},
		{"Synced from Huly: ABC-1", "ABC-1"},
		{"no tag here", ""},
		{"Huly Issue: not-an-id-", ""},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractHulyRef(tt.desc))
		})
	}
}

func TestExtractBeadsRef(t *testing.T) {
	assert.Equal(t, "hv-a3f", ExtractBeadsRef("details\nBeads Issue: hv-a3f"))
	assert.Equal(t, "", ExtractBeadsRef("nothing"))
}

func TestAppendHulyTag(t *testing.T) {
	assert.Equal(t, "Huly Issue: PROJ-1", AppendHulyTag("", "PROJ-1"))
	assert.Equal(t, "body\n\nHuly Issue: PROJ-1", AppendHulyTag("body", "PROJ-1"))
	// Idempotent when the same tag is already present.
	tagged := AppendHulyTag("body", "PROJ-1")
	assert.Equal(t, tagged, AppendHulyTag(tagged, "PROJ-1"))
}

func TestStripTags(t *testing.T) {
	desc := "real content\n\nHuly Issue: PROJ-9\nBeads Issue: hv-1"
	assert.Equal(t, "real content", StripTags(desc))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "add retry logic", NormalizeTitle("  Add   Retry\tLogic "))
}
