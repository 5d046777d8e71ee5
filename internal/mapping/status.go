// Package mapping holds the fixed bidirectional translation tables between
// the canonical (Huly) vocabulary and the Vibe and Beads vocabularies, plus
// the description-tag conventions used for fallback identity resolution.
package mapping

import (
	"strings"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// Vibe task statuses.
const (
	VibeTodo       = "todo"
	VibeInProgress = "inprogress"
	VibeInReview   = "inreview"
	VibeDone       = "done"
)

// Beads issue statuses and the labels that carry the finer-grained states.
const (
	BeadsOpen      = "open"
	BeadsClosed    = "closed"
	BeadsTombstone = "tombstone"

	BeadsLabelInProgress = "in-progress"
	BeadsLabelInReview   = "in-review"
	BeadsLabelCancelled  = "cancelled"
)

// StatusToVibe translates a canonical status to a Vibe status. The table is
// total: unknown statuses map to todo.
func StatusToVibe(s types.Status) string {
	switch s {
	case types.StatusBacklog, types.StatusTodo:
		return VibeTodo
	case types.StatusInProgress:
		return VibeInProgress
	case types.StatusInReview:
		return VibeInReview
	case types.StatusDone, types.StatusCancelled:
		return VibeDone
	}
	return VibeTodo
}

// StatusFromVibe translates a Vibe status to the canonical form. Unknown
// values map to Backlog.
func StatusFromVibe(s string) types.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case VibeTodo:
		return types.StatusTodo
	case VibeInProgress, "in-progress", "in_progress":
		return types.StatusInProgress
	case VibeInReview, "in-review", "in_review":
		return types.StatusInReview
	case VibeDone:
		return types.StatusDone
	}
	return types.StatusBacklog
}

// BeadsStatus is a Beads status plus the state-carrying labels. Beads only
// distinguishes open/closed natively; In Progress, In Review, and Cancelled
// ride on labels.
type BeadsStatus struct {
	Status string
	Labels []string
}

// StatusToBeads translates a canonical status to a Beads status and labels.
func StatusToBeads(s types.Status) BeadsStatus {
	switch s {
	case types.StatusBacklog, types.StatusTodo:
		return BeadsStatus{Status: BeadsOpen}
	case types.StatusInProgress:
		return BeadsStatus{Status: BeadsOpen, Labels: []string{BeadsLabelInProgress}}
	case types.StatusInReview:
		return BeadsStatus{Status: BeadsOpen, Labels: []string{BeadsLabelInReview}}
	case types.StatusDone:
		return BeadsStatus{Status: BeadsClosed}
	case types.StatusCancelled:
		return BeadsStatus{Status: BeadsClosed, Labels: []string{BeadsLabelCancelled}}
	}
	return BeadsStatus{Status: BeadsOpen}
}

// StatusFromBeads translates a Beads status and label set to the canonical
// form. Unknown values map to Backlog.
func StatusFromBeads(status string, labels []string) types.Status {
	has := func(want string) bool {
		for _, l := range labels {
			if strings.EqualFold(strings.TrimSpace(l), want) {
				return true
			}
		}
		return false
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case BeadsClosed:
		if has(BeadsLabelCancelled) {
			return types.StatusCancelled
		}
		return types.StatusDone
	case BeadsOpen:
		if has(BeadsLabelInProgress) {
			return types.StatusInProgress
		}
		if has(BeadsLabelInReview) {
			return types.StatusInReview
		}
		return types.StatusBacklog
	case "in_progress", "in-progress":
		// Older beads exports used a native in_progress status.
		return types.StatusInProgress
	}
	return types.StatusBacklog
}

// StatusFromHuly parses a Huly status string into the canonical form.
// Unknown values map to Backlog.
func StatusFromHuly(s string) types.Status {
	for _, v := range types.ValidStatuses() {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v
		}
	}
	// Tolerate the compact spellings some Huly endpoints return.
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")) {
	case "in progress", "inprogress":
		return types.StatusInProgress
	case "in review", "inreview":
		return types.StatusInReview
	}
	return types.StatusBacklog
}
